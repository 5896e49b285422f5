package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"mintsync/internal/crypto"
	"mintsync/internal/events"
	"mintsync/internal/jsonrpc"
	"mintsync/internal/mint"
	"mintsync/internal/wallet"
)

type proofEntry struct {
	group *Group
	y     string
}

// ProofWatcher watches inflight proofs until the mint reports them SPENT
type ProofWatcher struct {
	subs   Subscriber
	proofs wallet.ProofService
	bus    *events.Bus
	derive crypto.Deriver
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	byKey   map[string]*proofEntry
	off     func()
	ctx     context.Context
	cancel  context.CancelFunc

	// one setProofState per endpoint::secret at a time
	flight singleflight.Group
}

// NewProofWatcher creates a new proof watcher. A nil derive uses crypto.DefaultDeriver.
func NewProofWatcher(subs Subscriber, proofs wallet.ProofService, bus *events.Bus, derive crypto.Deriver, logger zerolog.Logger) *ProofWatcher {
	if derive == nil {
		derive = crypto.DefaultDeriver
	}
	return &ProofWatcher{
		subs:   subs,
		proofs: proofs,
		bus:    bus,
		derive: derive,
		logger: logger.With().Str("component", "proof-watcher").Logger(),
		byKey:  make(map[string]*proofEntry),
	}
}

// Start registers the proof state handler
func (w *ProofWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	if w.bus != nil {
		w.off = w.bus.On(events.KindProofStateChanged, w.handleStateChanged)
	}
	w.logger.Info().Msg("proof watcher started")
	return nil
}

// Stop removes the handler and unsubscribes every open batch
func (w *ProofWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	off := w.off
	w.off = nil
	groups := make(map[*Group]struct{})
	for _, entry := range w.byKey {
		groups[entry.group] = struct{}{}
	}
	w.byKey = make(map[string]*proofEntry)
	w.cancel()
	w.mu.Unlock()

	if off != nil {
		off()
	}
	for g := range groups {
		if err := g.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("failed to unsubscribe proof batch")
		}
	}
	w.logger.Info().Msg("proof watcher stopped")
}

// Count returns the number of watched secrets
func (w *ProofWatcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byKey)
}

// IsRunning reports whether the watcher is started
func (w *ProofWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Watching reports whether a secret is currently watched
func (w *ProofWatcher) Watching(endpoint, secret string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.byKey[key(endpoint, secret)]
	return ok
}

// Watch subscribes to the proof state of secrets by their derived Y
func (w *ProofWatcher) Watch(ctx context.Context, endpoint string, secrets ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	toWatch := make([]string, 0, len(secrets))
	for _, s := range unique(secrets) {
		if _, ok := w.byKey[key(endpoint, s)]; !ok {
			toWatch = append(toWatch, s)
		}
	}
	if len(toWatch) == 0 {
		return nil
	}

	// secret <-> Y for the lifetime of the batch
	secretByY := make(map[string]string, len(toWatch))
	yBySecret := make(map[string]string, len(toWatch))
	filters := make([]string, 0, len(toWatch))
	for _, s := range toWatch {
		y, err := w.derive(s)
		if err != nil {
			return fmt.Errorf("failed to derive Y: %w", err)
		}
		secretByY[y] = s
		yBySecret[s] = y
		filters = append(filters, y)
	}

	handle, err := w.subs.Subscribe(endpoint, jsonrpc.KindProofState, filters, w.onNotification(endpoint, secretByY))
	if err != nil {
		return fmt.Errorf("failed to subscribe proof states: %w", err)
	}

	subID := handle.ID
	group := NewGroup(func() error {
		err := w.subs.Unsubscribe(endpoint, subID)
		w.logger.Debug().Str("endpoint", endpoint).Str("subId", subID).Msg("unsubscribed inflight proof group")
		return err
	}, filters)
	for _, s := range toWatch {
		w.byKey[key(endpoint, s)] = &proofEntry{group: group, y: yBySecret[s]}
	}

	w.logger.Debug().
		Str("endpoint", endpoint).
		Str("subId", subID).
		Int("filters", len(filters)).
		Msg("watching inflight proof states")
	return nil
}

func (w *ProofWatcher) onNotification(endpoint string, secretByY map[string]string) func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		var payload mint.ProofStatePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("malformed proof state notification: %w", err)
		}
		if payload.State != mint.StateSpent {
			return nil
		}
		secret, ok := secretByY[payload.Y]
		if !ok {
			return nil
		}

		k := key(endpoint, secret)
		_, err, _ := w.flight.Do(k, func() (interface{}, error) {
			w.mu.Lock()
			_, tracked := w.byKey[k]
			ctx := w.ctx
			w.mu.Unlock()
			if !tracked {
				return nil, nil
			}

			if err := w.proofs.SetProofState(ctx, endpoint, []string{secret}, wallet.ProofSpent); err != nil {
				return nil, err
			}
			w.logger.Info().Str("endpoint", endpoint).Str("Y", payload.Y).Msg("marked inflight proof as spent from mint notification")
			w.stopWatching(endpoint, secret)
			return nil, nil
		})
		if err != nil {
			w.logger.Error().Err(err).Str("endpoint", endpoint).Str("Y", payload.Y).Msg("failed to mark inflight proof as spent")
		}
		return nil
	}
}

func (w *ProofWatcher) stopWatching(endpoint, secret string) {
	k := key(endpoint, secret)
	w.mu.Lock()
	entry, ok := w.byKey[k]
	delete(w.byKey, k)
	w.mu.Unlock()
	if !ok {
		return
	}

	if _, err := entry.group.Release(entry.y); err != nil {
		w.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("unsubscribe proof watcher failed")
	}
}

func (w *ProofWatcher) handleStateChanged(ctx context.Context, ev events.Event) error {
	e := ev.(events.ProofStateChanged)
	if !w.IsRunning() {
		return nil
	}

	switch e.State {
	case wallet.ProofInflight:
		if err := w.Watch(ctx, e.Endpoint, e.Secrets...); err != nil {
			return fmt.Errorf("failed to watch inflight proofs: %w", err)
		}
	case wallet.ProofSpent:
		for _, s := range e.Secrets {
			w.stopWatching(e.Endpoint, s)
		}
	}
	return nil
}
