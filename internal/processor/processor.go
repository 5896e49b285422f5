package processor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mintsync/internal/events"
	"mintsync/internal/mint"
	"mintsync/internal/wallet"
)

// Default values
const (
	DefaultProcessInterval     = 3 * time.Second
	DefaultMaxRetries          = 3
	DefaultBaseRetryDelay      = 5 * time.Second
	DefaultInitialEnqueueDelay = 500 * time.Millisecond
	DefaultPollInterval        = 100 * time.Millisecond
)

// Options configures a Processor
type Options struct {
	ProcessInterval     time.Duration
	MaxRetries          int
	BaseRetryDelay      time.Duration
	InitialEnqueueDelay time.Duration
	// PollInterval is how often Stop and WaitForCompletion check for idleness
	PollInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.ProcessInterval <= 0 {
		o.ProcessInterval = DefaultProcessInterval
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if o.InitialEnqueueDelay <= 0 {
		o.InitialEnqueueDelay = DefaultInitialEnqueueDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
}

// DefaultOptions returns the default processor options
func DefaultOptions() Options {
	o := Options{MaxRetries: DefaultMaxRetries}
	o.applyDefaults()
	return o
}

// Handler processes one quote type
type Handler interface {
	Process(ctx context.Context, endpoint, quoteID string) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, endpoint, quoteID string) error

func (f HandlerFunc) Process(ctx context.Context, endpoint, quoteID string) error {
	return f(ctx, endpoint, quoteID)
}

type bolt11Handler struct {
	quotes wallet.QuoteService
}

func (h *bolt11Handler) Process(ctx context.Context, endpoint, quoteID string) error {
	return h.quotes.RedeemQuote(ctx, endpoint, quoteID)
}

type item struct {
	endpoint    string
	quoteID     string
	quoteType   string
	retryCount  int
	nextRetryAt time.Time
}

func (i *item) key() string {
	return i.endpoint + "::" + i.quoteID
}

// Processor redeems paid quotes one at a time, retrying network failures
// with exponential backoff
type Processor struct {
	quotes wallet.QuoteService
	bus    *events.Bus
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	running    bool
	queue      []*item
	processing bool
	inflight   string
	handlers   map[string]Handler
	timer      *time.Timer
	timerSeq   uint64
	offs       []func()
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a processor with the bolt11 handler registered
func New(quotes wallet.QuoteService, bus *events.Bus, opts Options, logger zerolog.Logger) *Processor {
	opts.applyDefaults()
	p := &Processor{
		quotes:   quotes,
		bus:      bus,
		opts:     opts,
		logger:   logger.With().Str("component", "quote-processor").Logger(),
		handlers: make(map[string]Handler),
	}
	p.RegisterHandler(wallet.QuoteTypeBolt11, &bolt11Handler{quotes: quotes})
	return p
}

// RegisterHandler sets the handler for a quote type, replacing any previous one
func (p *Processor) RegisterHandler(quoteType string, h Handler) {
	p.mu.Lock()
	p.handlers[quoteType] = h
	p.mu.Unlock()
	p.logger.Debug().Str("quoteType", quoteType).Msg("registered quote handler")
}

// IsRunning reports whether the processor is started
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Len returns the number of queued items, excluding the one in flight
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Start subscribes to quote events and starts the processing loop
func (p *Processor) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.scheduleLocked(p.opts.ProcessInterval)
	p.mu.Unlock()

	if p.bus != nil {
		offs := []func(){
			p.bus.On(events.KindQuoteStateChanged, p.handleStateChanged),
			p.bus.On(events.KindQuoteAdded, p.handleAdded),
			p.bus.On(events.KindQuoteRequeue, p.handleRequeue),
		}
		p.mu.Lock()
		p.offs = offs
		p.mu.Unlock()
	}
	p.logger.Info().Msg("quote processor started")
}

// Stop unsubscribes from events and waits for the item in flight to finish.
// It returns ctx.Err() if ctx ends first; processing is never cancelled abruptly.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	offs := p.offs
	p.offs = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerSeq++
	p.mu.Unlock()

	for _, off := range offs {
		off()
	}

	if err := p.waitUntil(ctx, func() bool { return !p.processing }); err != nil {
		return err
	}

	p.mu.Lock()
	pending := len(p.queue)
	p.cancel()
	p.mu.Unlock()

	p.logger.Info().Int("pendingItems", pending).Msg("quote processor stopped")
	return nil
}

// WaitForCompletion blocks until the queue is empty and nothing is in flight
func (p *Processor) WaitForCompletion(ctx context.Context) error {
	return p.waitUntil(ctx, func() bool { return len(p.queue) == 0 && !p.processing })
}

// waitUntil polls cond under the lock
func (p *Processor) waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		done := cond()
		p.mu.Unlock()
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Enqueue adds a quote to the queue. It is a no-op when the quote is already
// queued or currently being processed.
func (p *Processor) Enqueue(endpoint, quoteID, quoteType string) {
	if quoteType == "" {
		quoteType = wallet.QuoteTypeBolt11
	}
	it := &item{endpoint: endpoint, quoteID: quoteID, quoteType: quoteType}
	k := it.key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inflight == k {
		p.logger.Debug().Str("endpoint", endpoint).Str("quoteId", quoteID).Msg("quote is being processed, skipping enqueue")
		return
	}
	for _, existing := range p.queue {
		if existing.key() == k {
			p.logger.Debug().Str("endpoint", endpoint).Str("quoteId", quoteID).Msg("quote already in queue")
			return
		}
	}

	wasEmpty := len(p.queue) == 0
	p.queue = append(p.queue, it)

	p.logger.Debug().
		Str("endpoint", endpoint).
		Str("quoteId", quoteID).
		Str("quoteType", quoteType).
		Int("queueLength", len(p.queue)).
		Msg("quote enqueued for processing")

	// fast first run on an idle processor
	if wasEmpty && p.running && !p.processing {
		p.resetTimerLocked(p.opts.InitialEnqueueDelay)
	}
}

func (p *Processor) scheduleLocked(delay time.Duration) {
	if !p.running || p.timer != nil {
		return
	}
	p.resetTimerLocked(delay)
}

// resetTimerLocked replaces the pending tick; a stale tick that already fired sees a newer seq and exits
func (p *Processor) resetTimerLocked(delay time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerSeq++
	seq := p.timerSeq
	p.timer = time.AfterFunc(delay, func() { p.processNext(seq) })
}

func (p *Processor) processNext(seq uint64) {
	p.mu.Lock()
	if seq != p.timerSeq {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	if !p.running || p.processing || len(p.queue) == 0 {
		p.scheduleLocked(p.opts.ProcessInterval)
		p.mu.Unlock()
		return
	}

	now := time.Now()
	idx := -1
	var earliest time.Time
	for i, it := range p.queue {
		if !it.nextRetryAt.After(now) {
			idx = i
			break
		}
		if earliest.IsZero() || it.nextRetryAt.Before(earliest) {
			earliest = it.nextRetryAt
		}
	}
	if idx == -1 {
		delay := earliest.Sub(now)
		if delay < p.opts.ProcessInterval {
			delay = p.opts.ProcessInterval
		}
		p.resetTimerLocked(delay)
		p.mu.Unlock()
		return
	}

	it := p.queue[idx]
	p.queue = append(p.queue[:idx:idx], p.queue[idx+1:]...)
	p.processing = true
	p.inflight = it.key()
	handler := p.handlers[it.quoteType]
	ctx := p.ctx
	p.mu.Unlock()

	if err := p.process(ctx, it, handler); err != nil {
		p.handleError(it, err)
	}

	p.mu.Lock()
	p.processing = false
	p.inflight = ""
	p.scheduleLocked(p.opts.ProcessInterval)
	p.mu.Unlock()
}

func (p *Processor) process(ctx context.Context, it *item, handler Handler) error {
	if handler == nil {
		p.logger.Warn().
			Str("quoteType", it.quoteType).
			Str("endpoint", it.endpoint).
			Str("quoteId", it.quoteID).
			Msg("no handler registered for quote type")
		return nil
	}

	p.logger.Info().
		Str("endpoint", it.endpoint).
		Str("quoteId", it.quoteID).
		Str("quoteType", it.quoteType).
		Int("attempt", it.retryCount+1).
		Msg("processing quote")

	if err := handler.Process(ctx, it.endpoint, it.quoteID); err != nil {
		return err
	}

	p.logger.Info().
		Str("endpoint", it.endpoint).
		Str("quoteId", it.quoteID).
		Str("quoteType", it.quoteType).
		Msg("successfully processed quote")
	return nil
}

// RetryDelay returns the backoff before retry number attempt (1-based)
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

func (p *Processor) handleError(it *item, err error) {
	log := p.logger.With().Str("endpoint", it.endpoint).Str("quoteId", it.quoteID).Logger()

	if protoErr, ok := mint.AsProtocol(err); ok {
		switch protoErr.Code {
		case mint.CodeQuoteExpired:
			log.Warn().Msg("quote expired")
		case mint.CodeQuoteAlreadyIssued:
			log.Info().Msg("quote already issued, updating state")
			p.updateState(it, wallet.QuoteIssued)
		default:
			log.Error().Int("code", protoErr.Code).Str("detail", protoErr.Detail).Msg("mint operation error, not retrying")
		}
		return
	}

	if mint.IsNetwork(err) {
		it.retryCount++
		if it.retryCount <= p.opts.MaxRetries {
			delay := RetryDelay(p.opts.BaseRetryDelay, it.retryCount)
			it.nextRetryAt = time.Now().Add(delay)

			p.mu.Lock()
			p.queue = append(p.queue, it)
			p.mu.Unlock()

			log.Warn().
				Err(err).
				Int("attempt", it.retryCount).
				Int("maxRetries", p.opts.MaxRetries).
				Dur("delay", delay).
				Msg("network error, will retry")
			return
		}

		log.Error().Err(err).Int("maxRetries", p.opts.MaxRetries).Msg("max retries exceeded for network error")
		return
	}

	log.Error().Err(err).Msg("failed to process quote")
}

func (p *Processor) updateState(it *item, state wallet.QuoteState) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	if err := p.quotes.UpdateStateFromRemote(ctx, it.endpoint, it.quoteID, state); err != nil {
		p.logger.Error().
			Err(err).
			Str("endpoint", it.endpoint).
			Str("quoteId", it.quoteID).
			Str("state", string(state)).
			Msg("failed to update quote state")
	}
}

func (p *Processor) handleStateChanged(ctx context.Context, ev events.Event) error {
	e := ev.(events.QuoteStateChanged)
	if e.State == wallet.QuotePaid {
		p.Enqueue(e.Endpoint, e.QuoteID, wallet.QuoteTypeBolt11)
	}
	return nil
}

func (p *Processor) handleAdded(ctx context.Context, ev events.Event) error {
	e := ev.(events.QuoteAdded)
	if e.Quote.State == wallet.QuotePaid {
		p.Enqueue(e.Endpoint, e.QuoteID, e.Quote.Type)
	}
	return nil
}

func (p *Processor) handleRequeue(ctx context.Context, ev events.Event) error {
	e := ev.(events.QuoteRequeue)
	p.Enqueue(e.Endpoint, e.QuoteID, wallet.QuoteTypeBolt11)
	return nil
}
