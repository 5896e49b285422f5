package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mintsync/internal/jsonrpc"
	"mintsync/internal/transport"
)

var (
	// ErrEmptyFilters is returned when subscribing without any filter
	ErrEmptyFilters = errors.New("filters must be a non-empty list")
	// ErrNotFound is returned for unknown subscription ids
	ErrNotFound = errors.New("subscription not found")
	// ErrUnknownKind is returned for unsupported subscription kinds
	ErrUnknownKind = errors.New("unknown subscription kind")
)

// DefaultCapabilityTimeout bounds the capability query of an endpoint
const DefaultCapabilityTimeout = 15 * time.Second

// Callback receives the payload of every notification of a subscription
type Callback func(payload json.RawMessage) error

// CallbackID identifies a callback attached to a subscription
type CallbackID uint64

// CapabilityProvider reports whether an endpoint supports websocket notifications
type CapabilityProvider interface {
	SupportsNotifications(ctx context.Context, endpoint, unit string) (bool, error)
}

// Options for creating a Registry
type Options struct {
	// Persistent is the preferred transport. When nil every endpoint is polled.
	Persistent transport.Transport
	// Polling is the fallback transport
	Polling transport.Transport
	// Capabilities, when set, is queried once per endpoint to decide on the fallback
	Capabilities      CapabilityProvider
	Unit              string
	CapabilityTimeout time.Duration
}

// Handle is returned by Subscribe
type Handle struct {
	ID       string
	Endpoint string
	registry *Registry
}

// Unsubscribe removes the subscription
func (h *Handle) Unsubscribe() error {
	return h.registry.Unsubscribe(h.Endpoint, h.ID)
}

type callbackEntry struct {
	id CallbackID
	fn Callback
}

type subscription struct {
	id        string
	endpoint  string
	kind      jsonrpc.Kind
	filters   []string
	callbacks []callbackEntry
	seq       uint64
}

type endpointState struct {
	transport     transport.Transport
	nextRequestID int64
	active        map[string]*subscription
	pending       map[int64]string
	hasOpened     bool
	capsChecked   bool
}

// listener binds registry events to the transport they came from,
// so events of a transport an endpoint no longer uses are ignored
type listener struct {
	registry  *Registry
	transport transport.Transport
}

func (l *listener) HandleEvent(endpoint string, ev transport.Event) {
	l.registry.handleEvent(l.transport, endpoint, ev)
}

// Registry multiplexes logical subscriptions over one transport per endpoint.
// It is the single writer of subscription bookkeeping: watchers only go through
// Subscribe and Unsubscribe.
type Registry struct {
	opts Options

	mu        sync.Mutex
	subs      map[string]*subscription
	endpoints map[string]*endpointState
	listeners map[transport.Transport]*listener
	paused    bool
	seq       uint64
	nextCbID  CallbackID

	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a new subscription registry
func NewRegistry(opts Options, logger zerolog.Logger) *Registry {
	if opts.CapabilityTimeout <= 0 {
		opts.CapabilityTimeout = DefaultCapabilityTimeout
	}
	if opts.Unit == "" {
		opts.Unit = "sat"
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:      opts,
		subs:      make(map[string]*subscription),
		endpoints: make(map[string]*endpointState),
		listeners: make(map[transport.Transport]*listener),
		logger:    logger.With().Str("component", "subscription-registry").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, t := range r.transports() {
		r.listeners[t] = &listener{registry: r, transport: t}
	}
	return r
}

// Subscribe registers a subscription and sends it to the endpoint.
// The subscription is recorded before the request goes out, so a notification
// racing the acknowledgment is still delivered. While paused the request is
// deferred until Resume.
func (r *Registry) Subscribe(endpoint string, kind jsonrpc.Kind, filters []string, cb Callback) (*Handle, error) {
	if len(filters) == 0 {
		return nil, ErrEmptyFilters
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	r.mu.Lock()
	st := r.endpointLocked(endpoint)
	r.seq++
	sub := &subscription{
		id:       uuid.NewString(),
		endpoint: endpoint,
		kind:     kind,
		filters:  append([]string(nil), filters...),
		seq:      r.seq,
	}
	if cb != nil {
		r.nextCbID++
		sub.callbacks = append(sub.callbacks, callbackEntry{id: r.nextCbID, fn: cb})
	}
	r.subs[sub.id] = sub
	st.active[sub.id] = sub

	handle := &Handle{ID: sub.id, Endpoint: endpoint, registry: r}
	if r.paused {
		r.mu.Unlock()
		r.logger.Info().
			Str("endpoint", endpoint).
			Str("kind", string(kind)).
			Str("subId", sub.id).
			Msg("subscription created while paused, will activate on resume")
		return handle, nil
	}

	req := r.subscribeRequestLocked(st, sub)
	t := st.transport
	checkCaps := r.claimCapabilityCheckLocked(st)
	r.mu.Unlock()

	if checkCaps {
		r.checkCapabilities(endpoint)
	}
	t.Send(endpoint, req)

	r.logger.Info().
		Str("endpoint", endpoint).
		Str("kind", string(kind)).
		Str("subId", sub.id).
		Int("filters", len(filters)).
		Msg("subscribed")
	return handle, nil
}

// Unsubscribe sends the wire unsubscribe and drops local bookkeeping.
// Calling it twice for the same id returns ErrNotFound.
func (r *Registry) Unsubscribe(endpoint, subID string) error {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	st := r.endpoints[endpoint]
	if !ok || st == nil || sub.endpoint != endpoint {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, subID)
	}
	r.removeLocked(st, subID)
	st.nextRequestID++
	req := jsonrpc.NewUnsubscribeRequest(st.nextRequestID, subID)
	t := st.transport
	r.mu.Unlock()

	t.Send(endpoint, req)
	r.logger.Info().Str("endpoint", endpoint).Str("subId", subID).Msg("unsubscribed")
	return nil
}

// AddCallback attaches another callback to an existing subscription
func (r *Registry) AddCallback(subID string, cb Callback) (CallbackID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[subID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, subID)
	}
	r.nextCbID++
	sub.callbacks = append(sub.callbacks, callbackEntry{id: r.nextCbID, fn: cb})
	return r.nextCbID, nil
}

// RemoveCallback detaches a callback. Unknown ids are ignored.
func (r *Registry) RemoveCallback(subID string, id CallbackID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[subID]
	if !ok {
		return
	}
	for i, entry := range sub.callbacks {
		if entry.id == id {
			sub.callbacks = append(sub.callbacks[:i:i], sub.callbacks[i+1:]...)
			return
		}
	}
}

// Pause suspends every transport. Bookkeeping is kept for Resume.
func (r *Registry) Pause() {
	r.mu.Lock()
	r.paused = true
	for _, st := range r.endpoints {
		st.hasOpened = false
	}
	r.mu.Unlock()

	for _, t := range r.transports() {
		t.Pause()
	}
	r.logger.Info().Msg("subscription registry paused")
}

// Resume restarts every transport and re-sends every active subscription
// once, with its original id, kind and filters.
func (r *Registry) Resume() {
	type outbound struct {
		endpoint  string
		transport transport.Transport
		req       *jsonrpc.Request
	}

	r.mu.Lock()
	r.paused = false
	var out []outbound
	var capsCheck []string
	for endpoint, st := range r.endpoints {
		for _, req := range r.resubscribeLocked(st) {
			out = append(out, outbound{endpoint: endpoint, transport: st.transport, req: req})
		}
		if len(st.active) > 0 && r.claimCapabilityCheckLocked(st) {
			capsCheck = append(capsCheck, endpoint)
		}
	}
	r.mu.Unlock()

	for _, t := range r.transports() {
		t.Resume()
	}
	for _, endpoint := range capsCheck {
		r.checkCapabilities(endpoint)
	}
	for _, o := range out {
		o.transport.Send(o.endpoint, o.req)
	}
	r.logger.Info().Int("resubscribed", len(out)).Msg("subscription registry resumed")
}

// Close releases all transports and clears bookkeeping
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()

	for _, t := range r.transports() {
		t.CloseAll()
	}

	r.mu.Lock()
	r.subs = make(map[string]*subscription)
	r.endpoints = make(map[string]*endpointState)
	r.mu.Unlock()
	r.logger.Info().Msg("subscription registry closed")
}

// Count returns the number of active subscriptions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// UsesPolling reports whether endpoint is served by the polling transport
func (r *Registry) UsesPolling(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.endpoints[endpoint]
	return ok && st.transport == r.opts.Polling
}

func (r *Registry) transports() []transport.Transport {
	var out []transport.Transport
	if r.opts.Persistent != nil {
		out = append(out, r.opts.Persistent)
	}
	if r.opts.Polling != nil {
		out = append(out, r.opts.Polling)
	}
	return out
}

// endpointLocked returns the endpoint state, attaching listeners on first use.
// Transports never call back synchronously from On, so this is safe under r.mu.
func (r *Registry) endpointLocked(endpoint string) *endpointState {
	st, ok := r.endpoints[endpoint]
	if ok {
		return st
	}
	t := r.opts.Persistent
	if t == nil {
		t = r.opts.Polling
	}
	st = &endpointState{
		transport: t,
		active:    make(map[string]*subscription),
		pending:   make(map[int64]string),
	}
	r.endpoints[endpoint] = st
	r.attachLocked(endpoint, t)
	return st
}

func (r *Registry) attachLocked(endpoint string, t transport.Transport) {
	l := r.listeners[t]
	t.On(endpoint, transport.EventMessage, l)
	t.On(endpoint, transport.EventOpen, l)
}

func (r *Registry) detachLocked(endpoint string, t transport.Transport) {
	l := r.listeners[t]
	t.Off(endpoint, transport.EventOpen, l)
	t.Off(endpoint, transport.EventMessage, l)
}

func (r *Registry) subscribeRequestLocked(st *endpointState, sub *subscription) *jsonrpc.Request {
	st.nextRequestID++
	st.pending[st.nextRequestID] = sub.id
	return jsonrpc.NewSubscribeRequest(st.nextRequestID, sub.kind, sub.id, sub.filters)
}

// resubscribeLocked builds subscribe requests for every active subscription of st in creation order
func (r *Registry) resubscribeLocked(st *endpointState) []*jsonrpc.Request {
	subs := make([]*subscription, 0, len(st.active))
	for _, sub := range st.active {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })

	reqs := make([]*jsonrpc.Request, 0, len(subs))
	for _, sub := range subs {
		reqs = append(reqs, r.subscribeRequestLocked(st, sub))
	}
	return reqs
}

func (r *Registry) removeLocked(st *endpointState, subID string) {
	delete(r.subs, subID)
	delete(st.active, subID)
	for id, pendingSub := range st.pending {
		if pendingSub == subID {
			delete(st.pending, id)
		}
	}
}

func (r *Registry) claimCapabilityCheckLocked(st *endpointState) bool {
	if r.opts.Capabilities == nil || r.opts.Polling == nil || st.capsChecked || st.transport == r.opts.Polling {
		return false
	}
	st.capsChecked = true
	return true
}

// checkCapabilities queries the endpoint in the background and falls back to
// polling when websocket notifications are not advertised for every kind
func (r *Registry) checkCapabilities(endpoint string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(r.ctx, r.opts.CapabilityTimeout)
		defer cancel()

		supported, err := r.opts.Capabilities.SupportsNotifications(ctx, endpoint, r.opts.Unit)
		if err != nil {
			r.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("capability check failed, keeping websocket transport")
			return
		}
		if supported {
			r.logger.Debug().Str("endpoint", endpoint).Msg("endpoint supports websocket notifications")
			return
		}
		r.switchToPolling(endpoint)
	}()
}

func (r *Registry) switchToPolling(endpoint string) {
	r.mu.Lock()
	st, ok := r.endpoints[endpoint]
	if !ok || st.transport == r.opts.Polling || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	old := st.transport
	polling := r.opts.Polling
	r.detachLocked(endpoint, old)
	st.transport = polling
	st.hasOpened = false
	st.pending = make(map[int64]string)
	r.attachLocked(endpoint, polling)

	var reqs []*jsonrpc.Request
	if !r.paused {
		reqs = r.resubscribeLocked(st)
	}
	r.mu.Unlock()

	r.logger.Warn().
		Str("endpoint", endpoint).
		Int("subscriptions", len(reqs)).
		Msg("endpoint does not support websocket notifications, switching to polling")
	for _, req := range reqs {
		polling.Send(endpoint, req)
	}
}

func (r *Registry) handleEvent(from transport.Transport, endpoint string, ev transport.Event) {
	switch ev.Type {
	case transport.EventOpen:
		r.handleOpen(from, endpoint)
	case transport.EventMessage:
		r.handleMessage(from, endpoint, ev.Data)
	}
}

// handleOpen re-subscribes everything of endpoint on every open after the first
func (r *Registry) handleOpen(from transport.Transport, endpoint string) {
	r.mu.Lock()
	st, ok := r.endpoints[endpoint]
	if !ok || st.transport != from {
		r.mu.Unlock()
		return
	}
	if !st.hasOpened {
		st.hasOpened = true
		r.mu.Unlock()
		r.logger.Debug().Str("endpoint", endpoint).Msg("initial open")
		return
	}
	if r.paused {
		r.mu.Unlock()
		return
	}
	reqs := r.resubscribeLocked(st)
	r.mu.Unlock()

	r.logger.Info().Str("endpoint", endpoint).Int("subscriptions", len(reqs)).Msg("reconnected, re-subscribing")
	for _, req := range reqs {
		from.Send(endpoint, req)
	}
}

func (r *Registry) handleMessage(from transport.Transport, endpoint string, data []byte) {
	frame, err := jsonrpc.ParseFrame(data)
	if err != nil {
		r.logger.Error().Err(err).Str("endpoint", endpoint).Msg("failed to parse message")
		return
	}

	switch {
	case frame.IsNotification():
		r.deliver(endpoint, frame.Params.SubID, frame.Params.Payload)

	case frame.IsError():
		id, _ := frame.ID.Int64()
		r.mu.Lock()
		var subID string
		if st, ok := r.endpoints[endpoint]; ok && st.transport == from {
			if pendingSub, ok := st.pending[id]; ok {
				subID = pendingSub
				delete(st.pending, id)
				r.removeLocked(st, subID)
			}
		}
		r.mu.Unlock()

		if subID != "" {
			r.logger.Error().
				Str("endpoint", endpoint).
				Str("subId", subID).
				Int("code", frame.Error.Code).
				Str("message", frame.Error.Message).
				Msg("subscribe request rejected")
			return
		}
		r.logger.Error().
			Str("endpoint", endpoint).
			Str("id", frame.ID.String()).
			Int("code", frame.Error.Code).
			Str("message", frame.Error.Message).
			Msg("request error")

	case frame.IsResult():
		id, _ := frame.ID.Int64()
		r.mu.Lock()
		var subID string
		if st, ok := r.endpoints[endpoint]; ok {
			if pendingSub, ok := st.pending[id]; ok {
				subID = pendingSub
				delete(st.pending, id)
			}
		}
		r.mu.Unlock()
		if subID != "" {
			r.logger.Debug().Str("endpoint", endpoint).Str("subId", subID).Msg("subscribe request accepted")
		}
	}
}

// deliver invokes callbacks outside the lock; one failing callback never blocks the others
func (r *Registry) deliver(endpoint, subID string, payload json.RawMessage) {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	if !ok || sub.endpoint != endpoint {
		r.mu.Unlock()
		return
	}
	callbacks := make([]callbackEntry, len(sub.callbacks))
	copy(callbacks, sub.callbacks)
	r.mu.Unlock()

	for _, cb := range callbacks {
		r.invoke(endpoint, subID, cb.fn, payload)
	}
}

func (r *Registry) invoke(endpoint, subID string, cb Callback, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("endpoint", endpoint).
				Str("subId", subID).
				Interface("panic", rec).
				Msg("subscription callback panicked")
		}
	}()
	if err := cb(payload); err != nil {
		r.logger.Error().Err(err).Str("endpoint", endpoint).Str("subId", subID).Msg("subscription callback error")
	}
}
