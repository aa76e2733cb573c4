// Package ratelimit throttles chunk admission with one token bucket per
// stream.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out a token bucket per stream key. A nil *Limiter never
// limits.
type Limiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// New creates a Limiter admitting rps chunks per second per stream.
// A non-positive rps disables limiting and returns nil.
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Limiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) get(stream string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[stream]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[stream] = lim
	}
	return lim
}

// Wait blocks until the stream may admit another chunk or ctx is done.
func (l *Limiter) Wait(ctx context.Context, stream string) error {
	if l == nil {
		return nil
	}
	return l.get(stream).Wait(ctx)
}

// Allow reports whether the stream may admit a chunk now.
func (l *Limiter) Allow(stream string) bool {
	if l == nil {
		return true
	}
	return l.get(stream).Allow()
}

// Forget drops the bucket of an ended stream.
func (l *Limiter) Forget(stream string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, stream)
	l.mu.Unlock()
}

// Len returns the number of tracked streams.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
