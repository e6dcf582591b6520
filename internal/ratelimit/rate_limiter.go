// rate_limiter.go - Rate limiting to prevent hitting Gemini API limits

package ratelimit

import (
	"sync"
	"time"
)

// Limiter serializes outbound extraction calls to a fixed calls-per-minute
// ceiling. Acquire blocks until at least 60/rpm seconds have elapsed since
// the previous grant, across all callers. No fairness guarantee beyond
// first-come-first-served on the mutex; rpm is a hard ceiling, not a target.
type Limiter struct {
	interval time.Duration
	lastCall time.Time
	mu       sync.Mutex
}

// NewLimiter creates a limiter for the given calls-per-minute ceiling.
func NewLimiter(rpm int) *Limiter {
	if rpm <= 0 {
		rpm = 1
	}
	return &Limiter{
		interval: time.Duration(float64(time.Minute) / float64(rpm)),
	}
}

// Acquire blocks the caller until the next call slot is available and
// consumes it. The mutex is held across the sleep so concurrent callers are
// granted strictly one interval apart.
func (l *Limiter) Acquire() {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := time.Since(l.lastCall)
	if wait := l.interval - elapsed; wait > 0 {
		time.Sleep(wait)
	}
	l.lastCall = time.Now()
}
