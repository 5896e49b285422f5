package mint

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is wrapped in a NetworkError while a mint's breaker is open
var ErrCircuitOpen = errors.New("circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "closed"
}

// BreakerOptions configures the per-mint circuit breaker
type BreakerOptions struct {
	Enabled bool
	// FailureThreshold consecutive failures open the breaker
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker rejects requests
	RecoveryTimeout time.Duration
	// HalfOpenProbes successful probes close the breaker again
	HalfOpenProbes int
}

// Breaker stops requests to a mint after consecutive network or server failures
type Breaker struct {
	opts     BreakerOptions
	now      func() time.Time
	mu       sync.Mutex
	state    breakerState
	failures int
	probes   int
	openedAt time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 30 * time.Second
	}
	if opts.HalfOpenProbes <= 0 {
		opts.HalfOpenProbes = 1
	}
	return &Breaker{opts: opts, now: time.Now}
}

// Allow reports whether a request may go out. An open breaker turns
// half-open once the recovery timeout has passed.
func (b *Breaker) Allow() bool {
	if !b.opts.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.opts.RecoveryTimeout {
			return false
		}
		b.state = breakerHalfOpen
		b.probes = 0
		return true
	case breakerHalfOpen:
		return b.probes < b.opts.HalfOpenProbes
	}
	return true
}

// Success records a request that reached the mint
func (b *Breaker) Success() {
	if !b.opts.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == breakerHalfOpen {
		b.probes++
		if b.probes >= b.opts.HalfOpenProbes {
			b.state = breakerClosed
		}
	}
}

// Failure records a network error or 5xx response
func (b *Breaker) Failure() {
	if !b.opts.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			b.state = breakerOpen
			b.openedAt = b.now()
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// State returns the breaker state as a string
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// countsAsFailure reports whether err says the mint is unhealthy.
// Protocol errors and 4xx responses mean the mint answered.
func countsAsFailure(err error) bool {
	if IsNetwork(err) {
		return true
	}
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status >= 500
}
