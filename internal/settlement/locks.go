package settlement

import "sync"

// KeyedMutex держит по мьютексу на пользователя. Запись удаляется, когда её никто не держит.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*keyedEntry)}
}

// Lock блокирует ключ и возвращает функцию разблокировки.
func (k *KeyedMutex) Lock(id int64) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
