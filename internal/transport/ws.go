package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mintsync/internal/jsonrpc"
)

// Reconnect backoff defaults
const (
	DefaultReconnectBaseDelay = time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second

	maxBackoffExponent = 6
	writeTimeout       = 10 * time.Second
)

// DialFunc opens a websocket connection to url
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// GorillaDialer returns the default DialFunc
func GorillaDialer(handshakeTimeout time.Duration) DialFunc {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, url string) (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
		}
		return conn, nil
	}
}

// BuildWSURL maps a mint base URL to its notification socket URL
func BuildWSURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in endpoint %q", u.Scheme, endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}

// ReconnectDelay returns the backoff before reconnect attempt n (1-based):
// base doubles per attempt, growth stops at the sixth attempt, capped at max.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	delay := base << uint(attempt-1)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// ConnState is the connection state of one endpoint
type ConnState int

const (
	StateAbsent ConnState = iota
	StateConnecting
	StateOpen
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return "absent"
}

// WSOptions configures a WSTransport
type WSOptions struct {
	Dial         DialFunc
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
}

type wsEndpoint struct {
	endpoint  string
	listeners *listenerSet

	state   ConnState
	conn    *websocket.Conn
	gen     uint64
	cancel  context.CancelFunc
	wake    chan struct{}
	queue   [][]byte
	attempt int
	timer   *time.Timer

	// opened is set once a connection opens and cleared by Pause
	opened bool

	writeMu sync.Mutex
}

// WSTransport keeps one persistent websocket per endpoint.
// Sends made before the first open (or after a pause) are queued and flushed
// in order on open. Once an endpoint has opened, a dropped connection discards
// its backlog and sends made while it is down: open listeners re-send their
// state on the new connection. Dropped connections are re-established with
// exponential backoff while listeners remain.
type WSTransport struct {
	opts   WSOptions
	logger zerolog.Logger

	mu        sync.Mutex
	endpoints map[string]*wsEndpoint
	paused    bool
}

// NewWSTransport creates a new websocket transport
func NewWSTransport(opts WSOptions, logger zerolog.Logger) *WSTransport {
	if opts.Dial == nil {
		opts.Dial = GorillaDialer(DefaultHandshakeTimeout)
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultReconnectBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultReconnectMaxDelay
	}
	return &WSTransport{
		opts:      opts,
		logger:    logger.With().Str("component", "ws-transport").Logger(),
		endpoints: make(map[string]*wsEndpoint),
	}
}

// On implements Transport
func (t *WSTransport) On(endpoint string, typ EventType, l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ep := t.endpointLocked(endpoint)
	ep.listeners.add(typ, l)
	t.ensureConnectedLocked(ep)
}

// Off implements Transport. Removing the last listener closes the connection.
func (t *WSTransport) Off(endpoint string, typ EventType, l Listener) {
	t.mu.Lock()
	ep, ok := t.endpoints[endpoint]
	if !ok {
		t.mu.Unlock()
		return
	}
	ep.listeners.remove(typ, l)
	if !ep.listeners.empty() {
		t.mu.Unlock()
		return
	}
	conn := t.teardownLocked(ep)
	delete(t.endpoints, endpoint)
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.logger.Debug().Str("endpoint", endpoint).Msg("last listener removed, connection closed")
}

// Send implements Transport
func (t *WSTransport) Send(endpoint string, req *jsonrpc.Request) {
	data, err := req.Bytes()
	if err != nil {
		t.logger.Error().Err(err).Str("endpoint", endpoint).Msg("failed to marshal request")
		return
	}

	t.mu.Lock()
	ep := t.endpointLocked(endpoint)
	var wake chan struct{}
	if ep.state == StateOpen {
		ep.queue = append(ep.queue, data)
		wake = ep.wake
	} else if ep.opened {
		t.mu.Unlock()
		t.logger.Debug().Str("endpoint", endpoint).Str("method", req.Method).Msg("connection down, dropping request")
		return
	} else {
		ep.queue = append(ep.queue, data)
		t.ensureConnectedLocked(ep)
	}
	t.mu.Unlock()

	if wake != nil {
		kick(wake)
	}
}

// CloseAll implements Transport
func (t *WSTransport) CloseAll() {
	t.mu.Lock()
	var conns []*websocket.Conn
	for endpoint, ep := range t.endpoints {
		if conn := t.teardownLocked(ep); conn != nil {
			conns = append(conns, conn)
		}
		delete(t.endpoints, endpoint)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	t.logger.Info().Int("connections", len(conns)).Msg("all connections closed")
}

// Pause implements Transport
func (t *WSTransport) Pause() {
	type closed struct {
		endpoint  string
		conn      *websocket.Conn
		listeners []Listener
	}

	t.mu.Lock()
	t.paused = true
	var toClose []closed
	for _, ep := range t.endpoints {
		wasActive := ep.state != StateAbsent
		conn := t.teardownLocked(ep)
		ep.queue = nil
		ep.opened = false
		if wasActive {
			toClose = append(toClose, closed{endpoint: ep.endpoint, conn: conn, listeners: ep.listeners.get(EventClose)})
		}
	}
	t.mu.Unlock()

	for _, c := range toClose {
		if c.conn != nil {
			c.conn.Close()
		}
		dispatch(t.logger, c.endpoint, c.listeners, Event{Type: EventClose})
	}
	t.logger.Info().Int("connections", len(toClose)).Msg("transport paused")
}

// Resume implements Transport
func (t *WSTransport) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.paused = false
	for _, ep := range t.endpoints {
		if ep.listeners.empty() {
			continue
		}
		ep.attempt = 0
		t.ensureConnectedLocked(ep)
	}
	t.logger.Info().Int("endpoints", len(t.endpoints)).Msg("transport resumed")
}

// State returns the connection state of endpoint
func (t *WSTransport) State(endpoint string) ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep, ok := t.endpoints[endpoint]; ok {
		return ep.state
	}
	return StateAbsent
}

// Attempts returns the reconnect attempt counter of endpoint
func (t *WSTransport) Attempts(endpoint string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep, ok := t.endpoints[endpoint]; ok {
		return ep.attempt
	}
	return 0
}

func (t *WSTransport) endpointLocked(endpoint string) *wsEndpoint {
	ep, ok := t.endpoints[endpoint]
	if !ok {
		ep = &wsEndpoint{
			endpoint:  endpoint,
			listeners: newListenerSet(),
		}
		t.endpoints[endpoint] = ep
	}
	return ep
}

// ensureConnectedLocked dials unless paused, already connecting/open, or waiting out a backoff
func (t *WSTransport) ensureConnectedLocked(ep *wsEndpoint) {
	if t.paused || ep.state != StateAbsent || ep.timer != nil {
		return
	}

	ep.gen++
	ep.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	ep.cancel = cancel
	go t.connect(ctx, ep, ep.gen)
}

// teardownLocked invalidates the current connection generation and returns the conn to close
func (t *WSTransport) teardownLocked(ep *wsEndpoint) *websocket.Conn {
	if ep.timer != nil {
		ep.timer.Stop()
		ep.timer = nil
	}
	ep.gen++
	if ep.cancel != nil {
		ep.cancel()
		ep.cancel = nil
	}
	conn := ep.conn
	ep.conn = nil
	ep.wake = nil
	ep.state = StateAbsent
	return conn
}

func (t *WSTransport) connect(ctx context.Context, ep *wsEndpoint, gen uint64) {
	logger := t.logger.With().Str("endpoint", ep.endpoint).Logger()

	wsURL, err := BuildWSURL(ep.endpoint)
	var conn *websocket.Conn
	if err == nil {
		logger.Debug().Str("url", wsURL).Msg("WebSocket connecting")
		conn, err = t.opts.Dial(ctx, wsURL)
	}

	t.mu.Lock()
	if ep.gen != gen {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		ep.state = StateAbsent
		ep.cancel()
		ep.cancel = nil
		errListeners := ep.listeners.get(EventError)
		closeListeners := ep.listeners.get(EventClose)
		t.scheduleReconnectLocked(ep)
		t.mu.Unlock()

		logger.Warn().Err(err).Msg("WebSocket connect failed")
		dispatch(t.logger, ep.endpoint, errListeners, Event{Type: EventError, Err: err})
		dispatch(t.logger, ep.endpoint, closeListeners, Event{Type: EventClose, Err: err})
		return
	}

	wake := make(chan struct{}, 1)
	ep.conn = conn
	ep.wake = wake
	ep.state = StateOpen
	ep.opened = true
	ep.attempt = 0
	if ep.timer != nil {
		ep.timer.Stop()
		ep.timer = nil
	}
	openListeners := ep.listeners.get(EventOpen)
	t.mu.Unlock()

	logger.Info().Msg("WebSocket connected")
	t.setDeadlines(conn)

	// open listeners may enqueue resubscribes; the writer flushes them after the backlog
	dispatch(t.logger, ep.endpoint, openListeners, Event{Type: EventOpen})

	go t.writeLoop(ctx, ep, gen, conn, wake)
	go t.readLoop(ep, gen, conn)
	if t.opts.PingInterval > 0 {
		go t.pingLoop(ctx, ep, conn)
	}
	kick(wake)
}

func (t *WSTransport) setDeadlines(conn *websocket.Conn) {
	if t.opts.PingInterval <= 0 {
		return
	}
	readTimeout := 2 * t.opts.PingInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
}

func (t *WSTransport) readLoop(ep *wsEndpoint, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(ep, gen, err)
			return
		}
		if t.opts.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * t.opts.PingInterval))
		}

		t.mu.Lock()
		current := ep.gen == gen
		listeners := ep.listeners.get(EventMessage)
		t.mu.Unlock()
		if !current {
			return
		}
		dispatch(t.logger, ep.endpoint, listeners, Event{Type: EventMessage, Data: data})
	}
}

func (t *WSTransport) writeLoop(ctx context.Context, ep *wsEndpoint, gen uint64, conn *websocket.Conn, wake chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}

		t.mu.Lock()
		if ep.gen != gen {
			t.mu.Unlock()
			return
		}
		frames := ep.queue
		ep.queue = nil
		t.mu.Unlock()

		for i, frame := range frames {
			ep.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.TextMessage, frame)
			ep.writeMu.Unlock()
			if err != nil {
				t.logger.Warn().
					Err(err).
					Str("endpoint", ep.endpoint).
					Int("dropped", len(frames)-i).
					Msg("write failed, closing connection")
				// the read loop observes the close and schedules the reconnect
				conn.Close()
				return
			}
		}
	}
}

func (t *WSTransport) pingLoop(ctx context.Context, ep *wsEndpoint, conn *websocket.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ep.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout))
			ep.writeMu.Unlock()
			if err != nil {
				t.logger.Debug().Str("endpoint", ep.endpoint).Err(err).Msg("ping write failed")
				return
			}
		}
	}
}

func (t *WSTransport) handleDisconnect(ep *wsEndpoint, gen uint64, readErr error) {
	t.mu.Lock()
	if ep.gen != gen {
		t.mu.Unlock()
		return
	}
	conn := t.teardownLocked(ep)
	ep.queue = nil
	closeListeners := ep.listeners.get(EventClose)
	var errListeners []Listener
	unexpected := websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if unexpected {
		errListeners = ep.listeners.get(EventError)
	}
	t.scheduleReconnectLocked(ep)
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.logger.Info().Str("endpoint", ep.endpoint).Err(readErr).Msg("WebSocket disconnected")
	if unexpected {
		dispatch(t.logger, ep.endpoint, errListeners, Event{Type: EventError, Err: readErr})
	}
	dispatch(t.logger, ep.endpoint, closeListeners, Event{Type: EventClose, Err: readErr})
}

// scheduleReconnectLocked arms the backoff timer when listeners remain and the transport is running
func (t *WSTransport) scheduleReconnectLocked(ep *wsEndpoint) {
	if t.paused || ep.listeners.empty() || ep.timer != nil {
		return
	}
	if t.endpoints[ep.endpoint] != ep {
		return
	}

	ep.attempt++
	delay := ReconnectDelay(ep.attempt, t.opts.BaseDelay, t.opts.MaxDelay)
	t.logger.Info().
		Str("endpoint", ep.endpoint).
		Int("attempt", ep.attempt).
		Dur("delay", delay).
		Msg("scheduling reconnect")

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if ep.timer != timer {
			return
		}
		ep.timer = nil
		if ep.listeners.empty() {
			return
		}
		t.ensureConnectedLocked(ep)
	})
	ep.timer = timer
}

func kick(wake chan struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}
