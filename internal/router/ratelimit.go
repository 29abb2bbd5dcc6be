package router

import (
	"sync"
	"time"
)

// RateLimiter bounds per-key message rates with a fixed one-minute window.
// Applied to student activity reports so a chatty client cannot saturate the
// teacher's connections.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	counts map[string]*windowCount
}

type windowCount struct {
	n           int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing limit messages per minute per key.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		counts: make(map[string]*windowCount),
	}
}

// Allow reports whether the key may send another message now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	wc, exists := rl.counts[key]
	if !exists {
		rl.counts[key] = &windowCount{n: 1, windowStart: now}
		return true
	}
	if now.Sub(wc.windowStart) >= time.Minute {
		wc.n = 1
		wc.windowStart = now
		return true
	}
	if wc.n >= rl.limit {
		return false
	}
	wc.n++
	return true
}

// Cleanup drops keys idle for several windows. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, wc := range rl.counts {
		if now.Sub(wc.windowStart) > 5*time.Minute {
			delete(rl.counts, key)
		}
	}
}
