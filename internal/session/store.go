package session

import (
	"context"
	"sync"
	"time"
)

// Store хранит сессии с ограниченным временем жизни.
type Store interface {
	Get(ctx context.Context, userID int64) (Session, bool, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, userID int64) error
}

// MemoryStore хранит сессии в памяти процесса. Просроченные сессии не отдаются
// и удаляются через Purge.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[int64]Session
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, sessions: make(map[int64]Session)}
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return Session{}, false, nil
	}
	if m.expired(s) {
		delete(m.sessions, userID)
		return Session{}, false, nil
	}
	return s, true, nil
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UserID] = s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}

// Purge удаляет просроченные сессии и возвращает их число.
func (m *MemoryStore) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if m.expired(s) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) expired(s Session) bool {
	return m.ttl > 0 && m.now().Sub(s.UpdatedAt) > m.ttl
}
