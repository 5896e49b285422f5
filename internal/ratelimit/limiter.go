package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Default bucket settings
const (
	DefaultCapacity        = 25
	DefaultRefillPerMinute = 25
)

// Limiter is a token bucket that starts full.
// Callers that find it empty are served in arrival order as tokens refill.
type Limiter struct {
	capacity        int
	refillPerMinute int
	bucket          *rate.Limiter
}

// NewLimiter creates a token bucket with the given capacity and refill rate.
// Non-positive values fall back to the defaults.
func NewLimiter(capacity, refillPerMinute int) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if refillPerMinute <= 0 {
		refillPerMinute = DefaultRefillPerMinute
	}
	return &Limiter{
		capacity:        capacity,
		refillPerMinute: refillPerMinute,
		bucket:          rate.NewLimiter(rate.Limit(float64(refillPerMinute)/60.0), capacity),
	}
}

// Acquire takes one token, waiting for the next refill when the bucket is empty
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// TryAcquire takes one token only if it is available right now
func (l *Limiter) TryAcquire() bool {
	return l.bucket.Allow()
}

// Available returns the number of whole tokens currently in the bucket
func (l *Limiter) Available() int {
	n := int(l.bucket.Tokens())
	if n < 0 {
		return 0
	}
	return n
}

// Capacity returns the bucket size
func (l *Limiter) Capacity() int {
	return l.capacity
}

// RefillInterval returns the time it takes to refill a single token
func (l *Limiter) RefillInterval() time.Duration {
	return time.Minute / time.Duration(l.refillPerMinute)
}
