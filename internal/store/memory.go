package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"mintsync/internal/events"
	"mintsync/internal/wallet"
)

// ErrEndpointRequired is returned when an operation is missing the endpoint
var ErrEndpointRequired = errors.New("endpoint is required")

// Redeemer performs the actual redemption of a paid quote
type Redeemer interface {
	Redeem(ctx context.Context, quote wallet.Quote) error
}

// RedeemerFunc adapts a function to Redeemer
type RedeemerFunc func(ctx context.Context, quote wallet.Quote) error

func (f RedeemerFunc) Redeem(ctx context.Context, quote wallet.Quote) error {
	return f(ctx, quote)
}

func key(endpoint, id string) string {
	return endpoint + "::" + id
}

// Memory keeps quotes and proofs in memory and emits state changes on the bus.
// It implements wallet.QuoteService, wallet.ProofService and wallet.QuoteRepository.
type Memory struct {
	mu       sync.RWMutex
	quotes   map[string]*wallet.Quote
	proofs   map[string]wallet.ProofState
	bus      *events.Bus
	redeemer Redeemer
	logger   zerolog.Logger
}

// NewMemory creates an empty store
func NewMemory(bus *events.Bus, redeemer Redeemer, logger zerolog.Logger) *Memory {
	return &Memory{
		quotes:   make(map[string]*wallet.Quote),
		proofs:   make(map[string]wallet.ProofState),
		bus:      bus,
		redeemer: redeemer,
		logger:   logger.With().Str("component", "store").Logger(),
	}
}

// CreateQuote stores a quote the wallet just requested from the mint
func (m *Memory) CreateQuote(ctx context.Context, q wallet.Quote) error {
	if q.Endpoint == "" {
		return ErrEndpointRequired
	}
	if q.Type == "" {
		q.Type = wallet.QuoteTypeBolt11
	}
	if q.State == "" {
		q.State = wallet.QuoteUnpaid
	}

	m.mu.Lock()
	k := key(q.Endpoint, q.ID)
	if _, exists := m.quotes[k]; exists {
		m.mu.Unlock()
		return fmt.Errorf("quote %s already exists", q.ID)
	}
	stored := q
	m.quotes[k] = &stored
	m.mu.Unlock()

	m.emit(ctx, events.QuoteCreated{Endpoint: q.Endpoint, QuoteID: q.ID, Quote: q})
	return nil
}

// AddQuotes imports existing quotes of an endpoint. Known ids are skipped.
func (m *Memory) AddQuotes(ctx context.Context, endpoint string, quotes []wallet.Quote) (added, skipped []string, err error) {
	if endpoint == "" {
		return nil, nil, ErrEndpointRequired
	}

	for _, q := range quotes {
		q.Endpoint = endpoint
		if q.Type == "" {
			q.Type = wallet.QuoteTypeBolt11
		}
		if q.State == "" {
			q.State = wallet.QuoteUnpaid
		}

		m.mu.Lock()
		k := key(endpoint, q.ID)
		if _, exists := m.quotes[k]; exists {
			m.mu.Unlock()
			m.logger.Debug().Str("endpoint", endpoint).Str("quoteId", q.ID).Msg("quote already exists, skipping")
			skipped = append(skipped, q.ID)
			continue
		}
		stored := q
		m.quotes[k] = &stored
		m.mu.Unlock()

		added = append(added, q.ID)
		m.emit(ctx, events.QuoteAdded{Endpoint: endpoint, QuoteID: q.ID, Quote: q})
	}

	m.logger.Info().
		Str("endpoint", endpoint).
		Int("added", len(added)).
		Int("skipped", len(skipped)).
		Msg("finished adding quotes")
	return added, skipped, nil
}

// RequeuePaid emits a requeue event for every PAID quote, optionally limited to one endpoint
func (m *Memory) RequeuePaid(ctx context.Context, endpoint string) []string {
	pending, _ := m.GetPendingQuotes(ctx)

	var requeued []string
	for _, q := range pending {
		if endpoint != "" && q.Endpoint != endpoint {
			continue
		}
		if q.State != wallet.QuotePaid {
			continue
		}
		m.emit(ctx, events.QuoteRequeue{Endpoint: q.Endpoint, QuoteID: q.ID})
		requeued = append(requeued, q.ID)
	}
	m.logger.Info().Str("endpoint", endpoint).Int("count", len(requeued)).Msg("requeued paid quotes")
	return requeued
}

// Quote returns a copy of a stored quote
func (m *Memory) Quote(endpoint, id string) (wallet.Quote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[key(endpoint, id)]
	if !ok {
		return wallet.Quote{}, false
	}
	return *q, true
}

// GetPendingQuotes returns every quote that is not ISSUED, ordered by endpoint and id
func (m *Memory) GetPendingQuotes(ctx context.Context) ([]wallet.Quote, error) {
	m.mu.RLock()
	out := make([]wallet.Quote, 0, len(m.quotes))
	for _, q := range m.quotes {
		if !q.State.IsTerminal() {
			out = append(out, *q)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Endpoint != out[j].Endpoint {
			return out[i].Endpoint < out[j].Endpoint
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RedeemQuote hands a quote to the redeemer and marks it ISSUED on success.
// Redeemer errors are returned unchanged so callers can classify them.
func (m *Memory) RedeemQuote(ctx context.Context, endpoint, quoteID string) error {
	q, ok := m.Quote(endpoint, quoteID)
	if !ok {
		return fmt.Errorf("quote %s: %w", quoteID, wallet.ErrNotFound)
	}
	if q.State == wallet.QuoteIssued {
		m.logger.Debug().Str("endpoint", endpoint).Str("quoteId", quoteID).Msg("quote already issued")
		return nil
	}
	if m.redeemer == nil {
		return errors.New("no redeemer configured")
	}

	if err := m.redeemer.Redeem(ctx, q); err != nil {
		return err
	}
	return m.setQuoteState(ctx, endpoint, quoteID, wallet.QuoteIssued)
}

// UpdateStateFromRemote records the state a mint reported for a quote
func (m *Memory) UpdateStateFromRemote(ctx context.Context, endpoint, quoteID string, state wallet.QuoteState) error {
	m.logger.Info().
		Str("endpoint", endpoint).
		Str("quoteId", quoteID).
		Str("state", string(state)).
		Msg("updating quote state from remote")
	return m.setQuoteState(ctx, endpoint, quoteID, state)
}

func (m *Memory) setQuoteState(ctx context.Context, endpoint, quoteID string, state wallet.QuoteState) error {
	m.mu.Lock()
	q, ok := m.quotes[key(endpoint, quoteID)]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("quote %s: %w", quoteID, wallet.ErrNotFound)
	}
	if q.State.IsTerminal() && q.State != state {
		// a stale remote report never moves an issued quote back
		m.mu.Unlock()
		m.logger.Debug().Str("endpoint", endpoint).Str("quoteId", quoteID).Str("state", string(state)).Msg("ignoring state change of issued quote")
		return nil
	}
	q.State = state
	m.mu.Unlock()

	m.emit(ctx, events.QuoteStateChanged{Endpoint: endpoint, QuoteID: quoteID, State: state})
	return nil
}

// AddProofs stores secrets as ready proofs
func (m *Memory) AddProofs(endpoint string, secrets []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range secrets {
		m.proofs[key(endpoint, s)] = wallet.ProofReady
	}
}

// ProofState returns the state of a proof
func (m *Memory) ProofState(endpoint, secret string) (wallet.ProofState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.proofs[key(endpoint, secret)]
	return state, ok
}

// SetProofState sets the state of proofs and emits a change event. Empty input is a no-op.
func (m *Memory) SetProofState(ctx context.Context, endpoint string, secrets []string, state wallet.ProofState) error {
	if strings.TrimSpace(endpoint) == "" {
		return ErrEndpointRequired
	}
	if len(secrets) == 0 {
		return nil
	}

	m.mu.Lock()
	for _, s := range secrets {
		m.proofs[key(endpoint, s)] = state
	}
	m.mu.Unlock()

	m.emit(ctx, events.ProofStateChanged{
		Endpoint: endpoint,
		Secrets:  append([]string(nil), secrets...),
		State:    state,
	})
	m.logger.Debug().Str("endpoint", endpoint).Int("count", len(secrets)).Str("state", string(state)).Msg("proof state updated")
	return nil
}

func (m *Memory) emit(ctx context.Context, ev events.Event) {
	if m.bus != nil {
		m.bus.Emit(ctx, ev)
	}
}
