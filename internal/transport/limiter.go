package transport

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxRequests matches the per-host limit of common HTTP dispatchers.
const DefaultMaxRequests = 64

// Limiter bounds the number of in-flight requests to a collector.
type Limiter struct {
	sem      *semaphore.Weighted
	failFast bool
}

// NewLimiter creates a limiter admitting maxRequests concurrent requests. A value of
// zero or less uses DefaultMaxRequests. With failFast, Acquire returns
// ErrTooManyRequests instead of waiting.
func NewLimiter(maxRequests int, failFast bool) *Limiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(maxRequests)),
		failFast: failFast,
	}
}

// Acquire takes one request slot. Callers must Release it when done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.failFast {
		if !l.sem.TryAcquire(1) {
			return NewError(ReasonConnection, ErrTooManyRequests)
		}
		return nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return NewError(ReasonTimeout, err)
	}
	return nil
}

// Release returns a slot taken by Acquire.
func (l *Limiter) Release() {
	l.sem.Release(1)
}
