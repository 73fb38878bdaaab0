// Package ratelimit throttles calls to the model backend. Each worker class
// (a logical group sharing one rate budget, e.g. "model-calls") is spaced so
// that consecutive acquisitions are at least the configured minimum interval
// apart. Classes are independent of each other.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum inter-call interval per worker class.
// Acquire cannot fail, only delay; the sole error path is context
// cancellation while waiting.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	classes  map[string]*rate.Limiter
}

// New creates a Limiter allowing maxCalls acquisitions per period for each
// worker class, i.e. a minimum interval of period/maxCalls between calls.
func New(maxCalls int, period time.Duration) *Limiter {
	if maxCalls < 1 {
		maxCalls = 1
	}
	return &Limiter{
		interval: period / time.Duration(maxCalls),
		classes:  make(map[string]*rate.Limiter),
	}
}

// Interval returns the minimum spacing between acquisitions of one class.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until at least the minimum interval has elapsed since the
// previous acquisition for the given worker class. The first acquisition of
// a class returns immediately. Waiters are served in FIFO-ish order with no
// stronger fairness guarantee.
func (l *Limiter) Acquire(ctx context.Context, workerClass string) error {
	return l.class(workerClass).Wait(ctx)
}

func (l *Limiter) class(name string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.classes[name]
	if !ok {
		// Burst 1: one token per interval, no bursting across intervals
		lim = rate.NewLimiter(rate.Every(l.interval), 1)
		l.classes[name] = lim
	}
	return lim
}
