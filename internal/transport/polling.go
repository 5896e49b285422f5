package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mintsync/internal/jsonrpc"
	"mintsync/internal/mint"
)

// Polling defaults
const (
	DefaultPollInterval   = 5 * time.Second
	DefaultPollBatchSize  = 100
	DefaultPollReqTimeout = 10 * time.Second
)

var errNoFilters = errors.New("subscribe without filters")

func errUnsupportedKind(kind jsonrpc.Kind) error {
	return fmt.Errorf("unsupported subscription kind %q", kind)
}

// Checker performs the HTTP checks behind polled subscriptions
type Checker interface {
	CheckMintQuote(ctx context.Context, endpoint, quoteID string) (json.RawMessage, error)
	CheckMeltQuote(ctx context.Context, endpoint, quoteID string) (json.RawMessage, error)
	CheckProofStates(ctx context.Context, endpoint string, ys []string) ([]mint.ProofStatePayload, error)
}

// PollingOptions configures a PollingTransport
type PollingOptions struct {
	// Interval is the minimum time between two checks of the same endpoint
	Interval       time.Duration
	BatchSize      int
	RequestTimeout time.Duration
}

type pollTask struct {
	subID  string
	kind   jsonrpc.Kind
	filter string
	batch  bool
}

type pollSub struct {
	kind    jsonrpc.Kind
	filters []string
}

type scheduler struct {
	endpoint  string
	listeners *listenerSet
	opened    bool

	queue []pollTask
	subs  map[string]*pollSub

	// round-robin proof identifiers shared by all proof_state subscriptions
	ys      []string
	yQueued map[string]struct{}
	ySubs   map[string]map[string]struct{}

	wake   chan struct{}
	cancel context.CancelFunc
}

// PollingTransport emulates mint notifications with periodic HTTP checks.
// Every endpoint gets its own scheduler running at most one check per interval.
type PollingTransport struct {
	checker Checker
	opts    PollingOptions
	logger  zerolog.Logger

	mu         sync.Mutex
	schedulers map[string]*scheduler
	paused     bool
}

// NewPollingTransport creates a new polling transport
func NewPollingTransport(checker Checker, opts PollingOptions, logger zerolog.Logger) *PollingTransport {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultPollBatchSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultPollReqTimeout
	}
	return &PollingTransport{
		checker:    checker,
		opts:       opts,
		logger:     logger.With().Str("component", "polling-transport").Logger(),
		schedulers: make(map[string]*scheduler),
	}
}

// On implements Transport. The first open listener of an endpoint receives a
// synthetic open event; later registrations do not.
func (t *PollingTransport) On(endpoint string, typ EventType, l Listener) {
	t.mu.Lock()
	s := t.schedulerLocked(endpoint)
	s.listeners.add(typ, l)
	var openListeners []Listener
	if typ == EventOpen && !s.opened {
		s.opened = true
		openListeners = s.listeners.get(EventOpen)
	}
	t.mu.Unlock()

	if openListeners != nil {
		go dispatch(t.logger, endpoint, openListeners, Event{Type: EventOpen})
	}
}

// Off implements Transport
func (t *PollingTransport) Off(endpoint string, typ EventType, l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.schedulers[endpoint]; ok {
		s.listeners.remove(typ, l)
	}
}

// Send implements Transport
func (t *PollingTransport) Send(endpoint string, req *jsonrpc.Request) {
	switch {
	case req.IsSubscribeMethod():
		t.subscribe(endpoint, req)
	case req.IsUnsubscribeMethod():
		t.unsubscribe(endpoint, req)
	default:
		t.logger.Warn().Str("endpoint", endpoint).Str("method", req.Method).Msg("unsupported method")
	}
}

// CloseAll implements Transport
func (t *PollingTransport) CloseAll() {
	t.mu.Lock()
	for endpoint, s := range t.schedulers {
		s.cancel()
		delete(t.schedulers, endpoint)
	}
	t.mu.Unlock()
}

// Pause implements Transport. Scheduled tasks stay queued.
func (t *PollingTransport) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Resume implements Transport
func (t *PollingTransport) Resume() {
	t.mu.Lock()
	t.paused = false
	wakes := make([]chan struct{}, 0, len(t.schedulers))
	for _, s := range t.schedulers {
		wakes = append(wakes, s.wake)
	}
	t.mu.Unlock()

	for _, w := range wakes {
		kick(w)
	}
}

// TaskCount returns the number of queued tasks of endpoint
func (t *PollingTransport) TaskCount(endpoint string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.schedulers[endpoint]; ok {
		return len(s.queue)
	}
	return 0
}

func (t *PollingTransport) schedulerLocked(endpoint string) *scheduler {
	s, ok := t.schedulers[endpoint]
	if ok {
		return s
	}
	ctx, cancel := context.WithCancel(context.Background())
	s = &scheduler{
		endpoint:  endpoint,
		listeners: newListenerSet(),
		subs:      make(map[string]*pollSub),
		yQueued:   make(map[string]struct{}),
		ySubs:     make(map[string]map[string]struct{}),
		wake:      make(chan struct{}, 1),
		cancel:    cancel,
	}
	t.schedulers[endpoint] = s
	go t.run(ctx, s)
	return s
}

func (t *PollingTransport) subscribe(endpoint string, req *jsonrpc.Request) {
	params, err := req.SubscribeParams()
	if err == nil && !params.Kind.Valid() {
		err = errUnsupportedKind(params.Kind)
	}
	if err == nil && len(params.Filters) == 0 {
		err = errNoFilters
	}
	if err != nil {
		t.logger.Error().Err(err).Str("endpoint", endpoint).Msg("rejecting subscribe")
		t.respond(endpoint, jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(-32602, err.Error())))
		return
	}

	// acknowledge before anything can be polled for this subscription
	t.respond(endpoint, jsonrpc.NewSubscribeOK(req.ID, params.SubID))

	t.mu.Lock()
	s := t.schedulerLocked(endpoint)
	sub, exists := s.subs[params.SubID]
	if !exists {
		sub = &pollSub{kind: params.Kind, filters: dedupe(params.Filters)}
		s.subs[params.SubID] = sub
	}

	if sub.kind == jsonrpc.KindProofState {
		for _, y := range sub.filters {
			subs, ok := s.ySubs[y]
			if !ok {
				subs = make(map[string]struct{})
				s.ySubs[y] = subs
			}
			subs[params.SubID] = struct{}{}
			if _, queued := s.yQueued[y]; !queued {
				s.ys = append(s.ys, y)
				s.yQueued[y] = struct{}{}
			}
		}
		batch := pollTask{kind: jsonrpc.KindProofState, batch: true}
		if !s.hasTask(batch) {
			s.queue = append(s.queue, batch)
		}
	} else {
		for _, f := range sub.filters {
			task := pollTask{subID: params.SubID, kind: sub.kind, filter: f}
			if !s.hasTask(task) {
				s.queue = append(s.queue, task)
			}
		}
	}
	wake := s.wake
	t.mu.Unlock()

	kick(wake)
	t.logger.Debug().
		Str("endpoint", endpoint).
		Str("subId", params.SubID).
		Str("kind", string(params.Kind)).
		Int("filters", len(params.Filters)).
		Msg("polling subscription added")
}

func (t *PollingTransport) unsubscribe(endpoint string, req *jsonrpc.Request) {
	params, err := req.UnsubscribeParams()
	if err != nil {
		t.logger.Error().Err(err).Str("endpoint", endpoint).Msg("rejecting unsubscribe")
		return
	}

	t.mu.Lock()
	s, ok := t.schedulers[endpoint]
	if ok {
		s.removeSub(params.SubID)
	}
	t.mu.Unlock()

	t.respond(endpoint, jsonrpc.NewSubscribeOK(req.ID, params.SubID))
}

// removeSub drops every task and identifier owned by subID
func (s *scheduler) removeSub(subID string) {
	sub, ok := s.subs[subID]
	if !ok {
		return
	}
	delete(s.subs, subID)

	kept := s.queue[:0]
	for _, task := range s.queue {
		if task.subID != subID || task.batch {
			kept = append(kept, task)
		}
	}
	s.queue = kept

	if sub.kind != jsonrpc.KindProofState {
		return
	}
	for _, y := range sub.filters {
		if subs, ok := s.ySubs[y]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(s.ySubs, y)
			}
		}
	}
	if len(s.ySubs) == 0 {
		kept := s.queue[:0]
		for _, task := range s.queue {
			if !task.batch {
				kept = append(kept, task)
			}
		}
		s.queue = kept
	}
}

func (s *scheduler) hasTask(task pollTask) bool {
	for _, queued := range s.queue {
		if queued == task {
			return true
		}
	}
	return false
}

// alive reports whether a task that just ran should go back into rotation
func (s *scheduler) alive(task pollTask) bool {
	if task.batch {
		return len(s.ySubs) > 0
	}
	sub, ok := s.subs[task.subID]
	if !ok {
		return false
	}
	for _, f := range sub.filters {
		if f == task.filter {
			return true
		}
	}
	return false
}

func (t *PollingTransport) run(ctx context.Context, s *scheduler) {
	for {
		task, ok := t.nextTask(s)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		start := time.Now()
		t.execute(ctx, s, task)

		t.mu.Lock()
		if s.alive(task) && !s.hasTask(task) {
			s.queue = append(s.queue, task)
		}
		t.mu.Unlock()

		timer := time.NewTimer(time.Until(start.Add(t.opts.Interval)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *PollingTransport) nextTask(s *scheduler) (pollTask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused || len(s.queue) == 0 {
		return pollTask{}, false
	}
	task := s.queue[0]
	s.queue = s.queue[1:]
	return task, true
}

func (t *PollingTransport) execute(ctx context.Context, s *scheduler, task pollTask) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	defer cancel()

	if task.batch {
		t.executeBatch(ctx, s)
		return
	}

	var (
		payload json.RawMessage
		err     error
	)
	switch task.kind {
	case jsonrpc.KindMintQuote:
		payload, err = t.checker.CheckMintQuote(ctx, s.endpoint, task.filter)
	case jsonrpc.KindMeltQuote:
		payload, err = t.checker.CheckMeltQuote(ctx, s.endpoint, task.filter)
	}
	if err != nil {
		t.logger.Warn().Err(err).
			Str("endpoint", s.endpoint).
			Str("subId", task.subID).
			Str("kind", string(task.kind)).
			Msg("poll failed")
		return
	}

	t.mu.Lock()
	_, active := s.subs[task.subID]
	t.mu.Unlock()
	if active {
		t.notify(s.endpoint, task.subID, payload)
	}
}

func (t *PollingTransport) executeBatch(ctx context.Context, s *scheduler) {
	t.mu.Lock()
	selected := make([]string, 0, t.opts.BatchSize)
	scanned, total := 0, len(s.ys)
	for len(selected) < t.opts.BatchSize && scanned < total {
		y := s.ys[0]
		s.ys = s.ys[1:]
		scanned++
		if len(s.ySubs[y]) == 0 {
			delete(s.yQueued, y)
			continue
		}
		selected = append(selected, y)
	}
	s.ys = append(s.ys, selected...)
	t.mu.Unlock()

	if len(selected) == 0 {
		return
	}

	states, err := t.checker.CheckProofStates(ctx, s.endpoint, selected)
	if err != nil {
		t.logger.Warn().Err(err).Str("endpoint", s.endpoint).Int("ys", len(selected)).Msg("proof state poll failed")
		return
	}

	for _, state := range states {
		payload, err := json.Marshal(state)
		if err != nil {
			continue
		}
		t.mu.Lock()
		subIDs := make([]string, 0, len(s.ySubs[state.Y]))
		for subID := range s.ySubs[state.Y] {
			subIDs = append(subIDs, subID)
		}
		t.mu.Unlock()
		sort.Strings(subIDs)

		for _, subID := range subIDs {
			t.notify(s.endpoint, subID, payload)
		}
	}
}

func (t *PollingTransport) notify(endpoint, subID string, payload json.RawMessage) {
	data, err := jsonrpc.NewNotification(subID, payload).Bytes()
	if err != nil {
		t.logger.Error().Err(err).Str("endpoint", endpoint).Msg("failed to build notification")
		return
	}
	t.emitMessage(endpoint, data)
}

func (t *PollingTransport) respond(endpoint string, resp *jsonrpc.Response) {
	data, err := resp.Bytes()
	if err != nil {
		t.logger.Error().Err(err).Str("endpoint", endpoint).Msg("failed to build response")
		return
	}
	t.emitMessage(endpoint, data)
}

func (t *PollingTransport) emitMessage(endpoint string, data []byte) {
	t.mu.Lock()
	var listeners []Listener
	if s, ok := t.schedulers[endpoint]; ok {
		listeners = s.listeners.get(EventMessage)
	}
	t.mu.Unlock()
	dispatch(t.logger, endpoint, listeners, Event{Type: EventMessage, Data: data})
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
