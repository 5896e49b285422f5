package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"mintsync/internal/events"
	"mintsync/internal/jsonrpc"
	"mintsync/internal/mint"
	"mintsync/internal/wallet"
)

// QuoteWatcherOptions configures a QuoteWatcher
type QuoteWatcherOptions struct {
	// WatchExistingPendingOnStart loads every pending quote from the repository on Start
	WatchExistingPendingOnStart bool
	BatchSize                   int
}

// QuoteWatcher keeps mint quotes subscribed until the mint reports them ISSUED
type QuoteWatcher struct {
	subs   Subscriber
	quotes wallet.QuoteService
	repo   wallet.QuoteRepository
	bus    *events.Bus
	opts   QuoteWatcherOptions
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	byKey   map[string]*Group
	offs    []func()
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewQuoteWatcher creates a new quote watcher
func NewQuoteWatcher(
	subs Subscriber,
	quotes wallet.QuoteService,
	repo wallet.QuoteRepository,
	bus *events.Bus,
	opts QuoteWatcherOptions,
	logger zerolog.Logger,
) *QuoteWatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &QuoteWatcher{
		subs:   subs,
		quotes: quotes,
		repo:   repo,
		bus:    bus,
		opts:   opts,
		logger: logger.With().Str("component", "quote-watcher").Logger(),
		byKey:  make(map[string]*Group),
	}
}

// Start registers event handlers and, if configured, watches every pending quote
func (w *QuoteWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	if w.bus != nil {
		w.offs = append(w.offs,
			w.bus.On(events.KindQuoteCreated, w.handleCreated),
			w.bus.On(events.KindQuoteAdded, w.handleAdded),
			w.bus.On(events.KindQuoteRequeue, w.handleRequeue),
		)
	}
	w.mu.Unlock()
	w.logger.Info().Msg("quote watcher started")

	if !w.opts.WatchExistingPendingOnStart || w.repo == nil {
		return nil
	}

	pending, err := w.repo.GetPendingQuotes(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to load pending quotes to watch")
		return nil
	}

	byEndpoint := make(map[string][]string)
	for _, q := range pending {
		byEndpoint[q.Endpoint] = append(byEndpoint[q.Endpoint], q.ID)
	}

	for endpoint, ids := range byEndpoint {
		if err := w.Watch(ctx, endpoint, ids...); err != nil {
			w.logger.Warn().Err(err).Str("endpoint", endpoint).Int("count", len(ids)).Msg("failed to watch pending quotes batch")
		}
	}
	return nil
}

// Stop removes event handlers and unsubscribes every open batch.
// Unsubscribe failures are logged, not returned.
func (w *QuoteWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	offs := w.offs
	w.offs = nil
	groups := make(map[*Group]struct{})
	for _, g := range w.byKey {
		groups[g] = struct{}{}
	}
	w.byKey = make(map[string]*Group)
	w.cancel()
	w.mu.Unlock()

	for _, off := range offs {
		off()
	}
	for g := range groups {
		if err := g.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("failed to unsubscribe quote batch")
		}
	}
	w.logger.Info().Msg("quote watcher stopped")
}

// Count returns the number of watched quotes
func (w *QuoteWatcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byKey)
}

// Unsettled returns the number of watched quotes for which settled reports false.
// settled is called without holding the watcher lock.
func (w *QuoteWatcher) Unsettled(settled func(endpoint, quoteID string) bool) int {
	w.mu.Lock()
	keys := make([]string, 0, len(w.byKey))
	for k := range w.byKey {
		keys = append(keys, k)
	}
	w.mu.Unlock()

	n := 0
	for _, k := range keys {
		if !settled(splitKey(k)) {
			n++
		}
	}
	return n
}

// IsRunning reports whether the watcher is started
func (w *QuoteWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Watching reports whether a quote is currently watched
func (w *QuoteWatcher) Watching(endpoint, quoteID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.byKey[key(endpoint, quoteID)]
	return ok
}

// Watch subscribes to quote ids of one endpoint in batches.
// Ids already watched are skipped; it is a no-op while stopped.
func (w *QuoteWatcher) Watch(ctx context.Context, endpoint string, ids ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	toWatch := make([]string, 0, len(ids))
	for _, id := range unique(ids) {
		if _, ok := w.byKey[key(endpoint, id)]; !ok {
			toWatch = append(toWatch, id)
		}
	}
	if len(toWatch) == 0 {
		return nil
	}

	for _, batch := range chunk(toWatch, w.opts.BatchSize) {
		handle, err := w.subs.Subscribe(endpoint, jsonrpc.KindMintQuote, batch, w.onNotification(endpoint))
		if err != nil {
			return fmt.Errorf("failed to subscribe quote batch: %w", err)
		}

		subID := handle.ID
		group := NewGroup(func() error {
			err := w.subs.Unsubscribe(endpoint, subID)
			w.logger.Debug().Str("endpoint", endpoint).Str("subId", subID).Msg("unsubscribed quote batch")
			return err
		}, batch)
		for _, id := range batch {
			w.byKey[key(endpoint, id)] = group
		}

		w.logger.Debug().
			Str("endpoint", endpoint).
			Str("subId", subID).
			Int("filters", len(batch)).
			Msg("watching quote batch")
	}
	return nil
}

func (w *QuoteWatcher) onNotification(endpoint string) func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		var payload mint.QuoteStatePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("malformed quote notification: %w", err)
		}

		state := wallet.QuoteState(payload.State)
		if state != wallet.QuotePaid && state != wallet.QuoteIssued {
			return nil
		}
		if payload.Quote == "" {
			return nil
		}

		k := key(endpoint, payload.Quote)
		w.mu.Lock()
		_, tracked := w.byKey[k]
		ctx := w.ctx
		w.mu.Unlock()
		if !tracked {
			return nil
		}

		if err := w.quotes.UpdateStateFromRemote(ctx, endpoint, payload.Quote, state); err != nil {
			w.logger.Error().
				Err(err).
				Str("endpoint", endpoint).
				Str("quoteId", payload.Quote).
				Str("state", string(state)).
				Msg("failed to update quote state from remote")
		} else {
			w.logger.Debug().
				Str("endpoint", endpoint).
				Str("quoteId", payload.Quote).
				Str("state", string(state)).
				Msg("updated quote state from remote")
		}

		if state == wallet.QuoteIssued {
			w.stopWatching(endpoint, payload.Quote)
		}
		return nil
	}
}

func (w *QuoteWatcher) stopWatching(endpoint, quoteID string) {
	k := key(endpoint, quoteID)
	w.mu.Lock()
	group, ok := w.byKey[k]
	delete(w.byKey, k)
	w.mu.Unlock()
	if !ok {
		return
	}

	if _, err := group.Release(quoteID); err != nil {
		w.logger.Warn().Err(err).Str("endpoint", endpoint).Str("quoteId", quoteID).Msg("unsubscribe quote watcher failed")
	}
}

func (w *QuoteWatcher) handleCreated(ctx context.Context, ev events.Event) error {
	e := ev.(events.QuoteCreated)
	if err := w.Watch(ctx, e.Endpoint, e.QuoteID); err != nil {
		return fmt.Errorf("failed to watch created quote %s: %w", e.QuoteID, err)
	}
	return nil
}

func (w *QuoteWatcher) handleAdded(ctx context.Context, ev events.Event) error {
	e := ev.(events.QuoteAdded)
	if e.Quote.State == wallet.QuotePaid || e.Quote.State == wallet.QuoteIssued {
		return nil
	}
	if err := w.Watch(ctx, e.Endpoint, e.QuoteID); err != nil {
		return fmt.Errorf("failed to watch added quote %s: %w", e.QuoteID, err)
	}
	return nil
}

func (w *QuoteWatcher) handleRequeue(ctx context.Context, ev events.Event) error {
	e := ev.(events.QuoteRequeue)
	if err := w.Watch(ctx, e.Endpoint, e.QuoteID); err != nil {
		return fmt.Errorf("failed to watch requeued quote %s: %w", e.QuoteID, err)
	}
	return nil
}
