package coordinator

import (
	"sync"
	"time"
)

// RateLimiter admits one call per operation name per window.
type RateLimiter struct {
	mu    sync.Mutex
	clock Clock
	last  map[string]time.Time
}

// NewRateLimiter creates a rate limiter reading time from clock.
func NewRateLimiter(clock Clock) *RateLimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RateLimiter{
		clock: clock,
		last:  make(map[string]time.Time),
	}
}

// ShouldLimit returns true when op was admitted less than window ago.
// Otherwise it records the admission and returns false.
func (rl *RateLimiter) ShouldLimit(op string, window time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	if last, ok := rl.last[op]; ok && now.Sub(last) < window {
		return true
	}

	rl.last[op] = now
	return false
}

// Reset forgets every recorded admission.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.last = make(map[string]time.Time)
}
