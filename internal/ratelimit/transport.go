package ratelimit

import (
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Options configures a rate limited transport
type Options struct {
	Capacity           int
	RefillPerMinute    int
	BypassPathPrefixes []string
}

// Transport implements http.RoundTripper with one token bucket per host
type Transport struct {
	Transport http.RoundTripper
	opts      Options
	logger    zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewTransport wraps base with per-host throttling. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, opts Options, logger zerolog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		Transport: base,
		opts:      opts,
		logger:    logger.With().Str("component", "ratelimit").Logger(),
		limiters:  make(map[string]*Limiter),
	}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.bypass(req.URL.Path) {
		limiter := t.Limiter(req.URL.Host)
		if !limiter.TryAcquire() {
			t.logger.Debug().
				Str("host", req.URL.Host).
				Str("path", req.URL.Path).
				Msg("rate limit reached, waiting for token")
			if err := limiter.Acquire(req.Context()); err != nil {
				return nil, err
			}
		}
	}
	return t.Transport.RoundTrip(req)
}

// Limiter returns the bucket for host, creating it on first use
func (t *Transport) Limiter(host string) *Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters[host]
	if !ok {
		l = NewLimiter(t.opts.Capacity, t.opts.RefillPerMinute)
		t.limiters[host] = l
	}
	return l
}

func (t *Transport) bypass(path string) bool {
	for _, prefix := range t.opts.BypassPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
