package bot

import (
	"sync"
	"time"
)

// RateLimiter ограничивает частоту команд на пользователя (в памяти)
type RateLimiter struct {
	mu       sync.Mutex
	lastCall map[int64]map[string]time.Time
	limits   map[string]time.Duration
	exempt   func(int64) bool
	now      func() time.Time
}

func NewRateLimiter(exempt func(int64) bool) *RateLimiter {
	return &RateLimiter{
		lastCall: make(map[int64]map[string]time.Time),
		limits: map[string]time.Duration{
			"buy":     3 * time.Second,
			"renew":   3 * time.Second,
			"trial":   10 * time.Second,
			"wallet":  2 * time.Second,
			"receipt": 5 * time.Second,
		},
		exempt: exempt,
		now:    time.Now,
	}
}

// IsLimited возвращает true, если пользователь вызывает действие слишком часто.
func (r *RateLimiter) IsLimited(userID int64, action string) bool {
	// Админ не лимитируется
	if r.exempt != nil && r.exempt(userID) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.lastCall[userID] == nil {
		r.lastCall[userID] = make(map[string]time.Time)
	}
	limit, ok := r.limits[action]
	if !ok {
		limit = time.Second
	}
	last := r.lastCall[userID][action]
	if now.Sub(last) < limit {
		return true
	}
	r.lastCall[userID][action] = now
	return false
}

// Forget удаляет записи старше часа.
func (r *RateLimiter) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-time.Hour)
	for id, calls := range r.lastCall {
		for action, at := range calls {
			if at.Before(cutoff) {
				delete(calls, action)
			}
		}
		if len(calls) == 0 {
			delete(r.lastCall, id)
		}
	}
}
