package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter applies per-user request rate limiting on the background channel.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateVal  rate.Limit
	burst    int
}

// NewLimiter allows perMinute sustained requests per user with the given burst.
func NewLimiter(perMinute int, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rateVal:  rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

// Allow reports whether userID may start another stream now.
func (l *Limiter) Allow(userID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.rateVal, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
