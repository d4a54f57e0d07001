package forward

import (
	"sync"
	"time"

	"github.com/dicomgw/gateway/internal/entity"
)

// SlidingWindowLimiter enforces at most N admissions in any trailing 60s
// window, per spec's §4.J admission rule. A zero-valued limit (via
// NewSlidingWindowLimiter(0)) always admits.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time
}

// NewSlidingWindowLimiter constructs a limiter admitting at most limit
// completions-of-admission per 60s. limit <= 0 disables rate limiting.
func NewSlidingWindowLimiter(limit int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{limit: limit, window: time.Minute}
}

// Allow reports whether an admission is permitted right now, and if so
// records it. Disabled limiters (limit <= 0) always return true.
func (l *SlidingWindowLimiter) Allow() bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := entity.Now()
	cutoff := now.Add(-l.window)
	kept := l.times[:0]
	for _, t := range l.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.times = kept

	if len(l.times) >= l.limit {
		return false
	}
	l.times = append(l.times, now)
	return true
}
