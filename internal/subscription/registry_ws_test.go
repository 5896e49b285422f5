package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mintsync/internal/jsonrpc"
	"mintsync/internal/transport"
)

// strictMint acknowledges subscribes and rejects a subId already seen on the
// same connection, like a mint that refuses duplicate subscriptions
type strictMint struct {
	*httptest.Server

	mu    sync.Mutex
	conns int
	subs  map[int]map[string]int

	// dropAfterFirst closes connection 1 after acknowledging its first subscribe
	dropAfterFirst bool
}

func newStrictMint(t *testing.T, dropAfterFirst bool) *strictMint {
	t.Helper()
	m := &strictMint{subs: make(map[int]map[string]int), dropAfterFirst: dropAfterFirst}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		m.serve(conn)
	})
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

func (m *strictMint) serve(conn *websocket.Conn) {
	m.mu.Lock()
	m.conns++
	n := m.conns
	m.subs[n] = make(map[string]int)
	m.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req jsonrpc.Request
		if err := json.Unmarshal(data, &req); err != nil || !req.IsSubscribeMethod() {
			continue
		}
		params, err := req.SubscribeParams()
		if err != nil {
			continue
		}

		m.mu.Lock()
		m.subs[n][params.SubID]++
		seen := m.subs[n][params.SubID]
		m.mu.Unlock()

		var resp []byte
		if seen > 1 {
			resp, _ = jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(-32600, "subId already exists")).Bytes()
		} else {
			resp, _ = jsonrpc.NewSubscribeOK(req.ID, params.SubID).Bytes()
		}
		if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
			return
		}
		if m.dropAfterFirst && n == 1 {
			return
		}
	}
}

func (m *strictMint) subscribes(conn int, subID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[conn][subID]
}

func (m *strictMint) connCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns
}

type closeWatcher struct {
	closed chan struct{}
}

func (c *closeWatcher) HandleEvent(endpoint string, ev transport.Event) {
	if ev.Type == transport.EventClose {
		select {
		case c.closed <- struct{}{}:
		default:
		}
	}
}

func TestRegistry_WebsocketPauseResumeSubscribesOnce(t *testing.T) {
	mint := newStrictMint(t, false)
	gorilla := transport.GorillaDialer(time.Second)

	var refuse atomic.Bool
	refuse.Store(true)
	dialed := make(chan struct{}, 1)
	dial := func(ctx context.Context, url string) (*websocket.Conn, error) {
		if refuse.Load() {
			select {
			case dialed <- struct{}{}:
			default:
			}
			return nil, errors.New("connection refused")
		}
		return gorilla(ctx, url)
	}

	ws := transport.NewWSTransport(transport.WSOptions{
		Dial:      dial,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
	}, zerolog.Nop())
	r := NewRegistry(Options{Persistent: ws}, zerolog.Nop())
	defer r.Close()

	h, err := r.Subscribe(mint.URL, jsonrpc.KindMintQuote, []string{"q1"}, nil)
	require.NoError(t, err)
	select {
	case <-dialed:
	case <-time.After(3 * time.Second):
		t.Fatal("no dial attempt")
	}

	r.Pause()
	refuse.Store(false)
	r.Resume()

	require.Eventually(t, func() bool {
		return mint.subscribes(1, h.ID) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, mint.connCount())
	assert.Equal(t, 1, mint.subscribes(1, h.ID), "exactly one subscribe per subId on the new connection")
	assert.Equal(t, 1, r.Count(), "subscription stays active")
}

func TestRegistry_WebsocketReconnectSubscribesOnce(t *testing.T) {
	mint := newStrictMint(t, true)

	ws := transport.NewWSTransport(transport.WSOptions{
		Dial:      transport.GorillaDialer(time.Second),
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  time.Second,
	}, zerolog.Nop())
	r := NewRegistry(Options{Persistent: ws}, zerolog.Nop())
	defer r.Close()

	// the registry attaches first so it observes the initial open
	a, err := r.Subscribe(mint.URL, jsonrpc.KindMintQuote, []string{"q1"}, nil)
	require.NoError(t, err)
	watcher := &closeWatcher{closed: make(chan struct{}, 1)}
	ws.On(mint.URL, transport.EventClose, watcher)

	select {
	case <-watcher.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not dropped")
	}
	require.Equal(t, 1, mint.subscribes(1, a.ID))

	// subscribed while the connection is down
	b, err := r.Subscribe(mint.URL, jsonrpc.KindProofState, []string{"02aa"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mint.subscribes(2, a.ID) >= 1 && mint.subscribes(2, b.ID) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, mint.subscribes(2, a.ID))
	assert.Equal(t, 1, mint.subscribes(2, b.ID))
	assert.Equal(t, 2, r.Count(), "both subscriptions stay active")
}
