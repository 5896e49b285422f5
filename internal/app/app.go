package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"mintsync/internal/config"
	"mintsync/internal/crypto"
	"mintsync/internal/events"
	"mintsync/internal/mint"
	"mintsync/internal/processor"
	"mintsync/internal/ratelimit"
	"mintsync/internal/store"
	"mintsync/internal/subscription"
	"mintsync/internal/transport"
	"mintsync/internal/wallet"
	"mintsync/internal/watcher"
)

// ErrNoStore is returned by Seed when wallet collaborators were injected
var ErrNoStore = errors.New("app has no built-in store")

const completionPoll = 100 * time.Millisecond

// Deps overrides collaborators that are otherwise built from config
type Deps struct {
	// Quotes, Proofs and Repo replace the in-memory store when all three are set
	Quotes wallet.QuoteService
	Proofs wallet.ProofService
	Repo   wallet.QuoteRepository

	// Redeemer mints the proofs of paid quotes held by the in-memory store
	Redeemer store.Redeemer

	HTTPClient *http.Client
	Dial       transport.DialFunc
	Derive     crypto.Deriver
}

// App wires the mint client, transports, registry, watchers and processor together
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus       *events.Bus
	mint      *mint.Client
	store     *store.Memory
	ws        *transport.WSTransport
	polling   *transport.PollingTransport
	registry  *subscription.Registry
	quotes    *watcher.QuoteWatcher
	proofs    *watcher.ProofWatcher
	processor *processor.Processor
}

// New creates a new App
func New(cfg *config.Config, logger zerolog.Logger, deps Deps) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	bus := events.NewBus(logger)

	mintClient := mint.NewClient(mint.Options{
		HTTPClient:     deps.HTTPClient,
		RequestTimeout: cfg.GetRequestTimeoutDuration(),
		RateLimit: ratelimit.Options{
			Capacity:           cfg.RateLimit.Capacity,
			RefillPerMinute:    cfg.RateLimit.RefillPerMinute,
			BypassPathPrefixes: cfg.RateLimit.BypassPathPrefixes,
		},
		InfoCacheSize: cfg.MintInfoCache.Size,
		InfoCacheTTL:  cfg.MintInfoCache.GetTTLDuration(),
		Breaker: mint.BreakerOptions{
			Enabled:          cfg.CircuitBreaker.Enabled,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  cfg.CircuitBreaker.GetRecoveryTimeoutDuration(),
		},
	}, logger)

	polling := transport.NewPollingTransport(mintClient, transport.PollingOptions{
		Interval:       cfg.Transport.GetPollIntervalDuration(),
		RequestTimeout: cfg.GetRequestTimeoutDuration(),
	}, logger)

	regOpts := subscription.Options{
		Polling: polling,
		Unit:    cfg.Unit,
	}

	var ws *transport.WSTransport
	if cfg.Transport.Mode != config.TransportPolling {
		dial := deps.Dial
		if dial == nil {
			dial = transport.GorillaDialer(cfg.Transport.GetHandshakeTimeoutDuration())
		}
		ws = transport.NewWSTransport(transport.WSOptions{
			Dial:         dial,
			BaseDelay:    cfg.Transport.GetReconnectBaseDelayDuration(),
			MaxDelay:     cfg.Transport.GetReconnectMaxDelayDuration(),
			PingInterval: cfg.Transport.GetPingIntervalDuration(),
		}, logger)
		regOpts.Persistent = ws
		if cfg.Transport.Mode == config.TransportAuto {
			regOpts.Capabilities = mintClient
		}
	}

	registry := subscription.NewRegistry(regOpts, logger)

	a := &App{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		mint:     mintClient,
		ws:       ws,
		polling:  polling,
		registry: registry,
	}

	quotes, proofs, repo := deps.Quotes, deps.Proofs, deps.Repo
	if quotes == nil || proofs == nil || repo == nil {
		a.store = store.NewMemory(bus, deps.Redeemer, logger)
		quotes, proofs, repo = a.store, a.store, a.store
	}

	a.quotes = watcher.NewQuoteWatcher(registry, quotes, repo, bus, watcher.QuoteWatcherOptions{
		WatchExistingPendingOnStart: cfg.WatchExistingPendingOnStart(),
	}, logger)
	a.proofs = watcher.NewProofWatcher(registry, proofs, bus, deps.Derive, logger)
	a.processor = processor.New(quotes, bus, processor.Options{
		ProcessInterval:     cfg.Processor.GetProcessIntervalDuration(),
		MaxRetries:          cfg.Processor.GetMaxRetries(),
		BaseRetryDelay:      cfg.Processor.GetBaseRetryDelayDuration(),
		InitialEnqueueDelay: cfg.Processor.GetInitialEnqueueDelayDuration(),
	}, logger)

	logger.Info().
		Str("transport", string(cfg.Transport.Mode)).
		Str("unit", cfg.Unit).
		Bool("builtinStore", a.store != nil).
		Msg("app created")

	return a, nil
}

// Start starts the processor and both watchers. The processor goes first so
// quotes reported PAID while pending quotes are loaded are picked up.
func (a *App) Start(ctx context.Context) error {
	a.processor.Start()

	if err := a.quotes.Start(ctx); err != nil {
		return fmt.Errorf("failed to start quote watcher: %w", err)
	}
	if err := a.proofs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start proof watcher: %w", err)
	}

	a.logger.Info().Msg("app started")
	return nil
}

// Seed adds the quotes and inflight secrets of every configured mint to the
// built-in store. The resulting events start the watchers.
func (a *App) Seed(ctx context.Context) error {
	if a.store == nil {
		return ErrNoStore
	}

	for _, m := range a.cfg.Mints {
		if len(m.Quotes) > 0 {
			quotes := make([]wallet.Quote, 0, len(m.Quotes))
			for _, id := range m.Quotes {
				quotes = append(quotes, wallet.Quote{ID: id, State: wallet.QuoteUnpaid})
			}
			added, skipped, err := a.store.AddQuotes(ctx, m.URL, quotes)
			if err != nil {
				return fmt.Errorf("failed to seed quotes of %s: %w", m.URL, err)
			}
			a.logger.Info().
				Str("endpoint", m.URL).
				Int("added", len(added)).
				Int("skipped", len(skipped)).
				Msg("seeded quotes")
		}

		if len(m.InflightSecrets) > 0 {
			a.store.AddProofs(m.URL, m.InflightSecrets)
			if err := a.store.SetProofState(ctx, m.URL, m.InflightSecrets, wallet.ProofInflight); err != nil {
				return fmt.Errorf("failed to seed inflight proofs of %s: %w", m.URL, err)
			}
			a.logger.Info().
				Str("endpoint", m.URL).
				Int("secrets", len(m.InflightSecrets)).
				Msg("seeded inflight proofs")
		}
	}
	return nil
}

// Pause pauses every transport; subscriptions are kept
func (a *App) Pause() {
	a.registry.Pause()
	a.logger.Info().Msg("subscriptions paused")
}

// Resume reconnects and resubscribes everything that is still active
func (a *App) Resume() {
	a.registry.Resume()
	a.logger.Info().Msg("subscriptions resumed")
}

// Unsettled returns the number of watched quotes and proofs still waiting on
// the mint. Quotes the built-in store already holds as ISSUED count as settled
// even while the mint has not confirmed them yet.
func (a *App) Unsettled() (quotes, proofs int) {
	quotes = a.quotes.Unsettled(a.issuedLocally)
	return quotes, a.proofs.Count()
}

func (a *App) issuedLocally(endpoint, quoteID string) bool {
	if a.store == nil {
		return false
	}
	q, ok := a.store.Quote(endpoint, quoteID)
	return ok && q.State == wallet.QuoteIssued
}

// WaitForCompletion blocks until every watched item has settled and the processor is idle
func (a *App) WaitForCompletion(ctx context.Context) error {
	ticker := time.NewTicker(completionPoll)
	defer ticker.Stop()

	for {
		quotes, proofs := a.Unsettled()
		if quotes == 0 && proofs == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return a.processor.WaitForCompletion(ctx)
}

// Stop stops the watchers, drains the processor and closes every transport
func (a *App) Stop(ctx context.Context) error {
	a.logger.Info().Msg("shutting down...")

	a.quotes.Stop()
	a.proofs.Stop()

	procErr := a.processor.Stop(ctx)

	a.registry.Close()
	a.logger.Debug().Int("subscriptions", a.registry.Count()).Msg("closed subscription registry")

	if procErr != nil {
		return fmt.Errorf("processor shutdown error: %w", procErr)
	}

	a.logger.Info().Msg("app stopped")
	return nil
}

// Bus returns the event bus
func (a *App) Bus() *events.Bus { return a.bus }

// Store returns the built-in store, nil when collaborators were injected
func (a *App) Store() *store.Memory { return a.store }

// Registry returns the subscription registry
func (a *App) Registry() *subscription.Registry { return a.registry }

// Processor returns the paid quote processor
func (a *App) Processor() *processor.Processor { return a.processor }

// QuoteWatcher returns the quote watcher
func (a *App) QuoteWatcher() *watcher.QuoteWatcher { return a.quotes }

// ProofWatcher returns the proof watcher
func (a *App) ProofWatcher() *watcher.ProofWatcher { return a.proofs }

// Mint returns the mint HTTP client
func (a *App) Mint() *mint.Client { return a.mint }
