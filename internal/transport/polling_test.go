package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mintsync/internal/jsonrpc"
	"mintsync/internal/mint"
)

const testEndpoint = "https://mint.example"

type checkCall struct {
	at   time.Time
	kind jsonrpc.Kind
	ids  []string
}

type fakeChecker struct {
	mu     sync.Mutex
	calls  []checkCall
	states map[string]string
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{states: make(map[string]string)}
}

func (f *fakeChecker) record(kind jsonrpc.Kind, ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, checkCall{at: time.Now(), kind: kind, ids: append([]string(nil), ids...)})
}

func (f *fakeChecker) snapshot() []checkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]checkCall(nil), f.calls...)
}

func (f *fakeChecker) CheckMintQuote(ctx context.Context, endpoint, quoteID string) (json.RawMessage, error) {
	f.record(jsonrpc.KindMintQuote, []string{quoteID})
	return json.RawMessage(fmt.Sprintf(`{"quote":%q,"state":"PAID"}`, quoteID)), nil
}

func (f *fakeChecker) CheckMeltQuote(ctx context.Context, endpoint, quoteID string) (json.RawMessage, error) {
	f.record(jsonrpc.KindMeltQuote, []string{quoteID})
	return json.RawMessage(fmt.Sprintf(`{"quote":%q,"state":"PENDING"}`, quoteID)), nil
}

func (f *fakeChecker) CheckProofStates(ctx context.Context, endpoint string, ys []string) ([]mint.ProofStatePayload, error) {
	f.record(jsonrpc.KindProofState, ys)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mint.ProofStatePayload, 0, len(ys))
	for _, y := range ys {
		state, ok := f.states[y]
		if !ok {
			state = mint.StateUnspent
		}
		out = append(out, mint.ProofStatePayload{Y: y, State: state})
	}
	return out, nil
}

func newTestPolling(checker Checker, interval time.Duration) *PollingTransport {
	return NewPollingTransport(checker, PollingOptions{Interval: interval}, zerolog.Nop())
}

func makeYs(n int) []string {
	ys := make([]string, n)
	for i := range ys {
		ys[i] = fmt.Sprintf("02%064x", i)
	}
	return ys
}

func TestPolling_AckBeforeData(t *testing.T) {
	checker := newFakeChecker()
	tr := newTestPolling(checker, 20*time.Millisecond)
	defer tr.CloseAll()

	rec := newRecorder()
	tr.On(testEndpoint, EventMessage, rec)
	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(1, jsonrpc.KindMintQuote, "s1", []string{"q1"}))

	// the acknowledgment is emitted synchronously by Send
	select {
	case ev := <-rec.ch:
		frame, err := jsonrpc.ParseFrame(ev.Data)
		require.NoError(t, err)
		require.True(t, frame.IsResult())
		res, err := frame.SubscribeResult()
		require.NoError(t, err)
		assert.Equal(t, jsonrpc.StatusOK, res.Status)
		assert.Equal(t, "s1", res.SubID)
	default:
		t.Fatal("no synchronous acknowledgment")
	}

	ev := rec.next(t, EventMessage)
	frame, err := jsonrpc.ParseFrame(ev.Data)
	require.NoError(t, err)
	require.True(t, frame.IsNotification())
	assert.Equal(t, "s1", frame.Params.SubID)
	assert.JSONEq(t, `{"quote":"q1","state":"PAID"}`, string(frame.Params.Payload))
}

func TestPolling_OneRequestPerInterval(t *testing.T) {
	checker := newFakeChecker()
	interval := 40 * time.Millisecond
	tr := newTestPolling(checker, interval)
	defer tr.CloseAll()

	rec := newRecorder()
	tr.On(testEndpoint, EventMessage, rec)
	tr.Pause()
	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(1, jsonrpc.KindMintQuote, "s1", []string{"a", "b", "c"}))
	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(2, jsonrpc.KindMeltQuote, "s2", []string{"m"}))
	tr.Resume()

	require.Eventually(t, func() bool { return len(checker.snapshot()) >= 6 }, 3*time.Second, 10*time.Millisecond)

	calls := checker.snapshot()
	for i := 1; i < len(calls); i++ {
		gap := calls[i].at.Sub(calls[i-1].at)
		assert.GreaterOrEqual(t, gap, interval-5*time.Millisecond, "calls %d and %d too close", i-1, i)
	}

	// round robin: every task runs before any repeats
	seen := map[string]bool{}
	for _, c := range calls[:4] {
		seen[c.ids[0]] = true
	}
	assert.Len(t, seen, 4)
}

func TestPolling_BatchCapAndRoundRobin(t *testing.T) {
	checker := newFakeChecker()
	tr := newTestPolling(checker, 10*time.Millisecond)
	defer tr.CloseAll()

	ys := makeYs(250)
	rec := newRecorder()
	tr.On(testEndpoint, EventMessage, rec)
	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(1, jsonrpc.KindProofState, "p1", ys))

	require.Eventually(t, func() bool { return len(checker.snapshot()) >= 3 }, 3*time.Second, 10*time.Millisecond)

	covered := map[string]bool{}
	for _, c := range checker.snapshot()[:3] {
		assert.Equal(t, jsonrpc.KindProofState, c.kind)
		assert.LessOrEqual(t, len(c.ids), DefaultPollBatchSize)
		for _, y := range c.ids {
			covered[y] = true
		}
	}
	assert.Len(t, covered, 250)
}

func TestPolling_BatchFansOutToEverySubscriber(t *testing.T) {
	checker := newFakeChecker()
	ys := makeYs(2)
	checker.states[ys[0]] = mint.StateSpent

	tr := newTestPolling(checker, time.Hour)
	defer tr.CloseAll()
	tr.Pause()

	rec := newRecorder()
	tr.On(testEndpoint, EventMessage, rec)
	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(1, jsonrpc.KindProofState, "p1", ys[:1]))
	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(2, jsonrpc.KindProofState, "p2", ys))
	assert.Equal(t, 1, tr.TaskCount(testEndpoint), "one shared batch task")

	// drain the two acks
	rec.next(t, EventMessage)
	rec.next(t, EventMessage)

	tr.Resume()
	got := map[string][]string{}
	for i := 0; i < 3; i++ {
		ev := rec.next(t, EventMessage)
		frame, err := jsonrpc.ParseFrame(ev.Data)
		require.NoError(t, err)
		require.True(t, frame.IsNotification())
		var payload mint.ProofStatePayload
		require.NoError(t, json.Unmarshal(frame.Params.Payload, &payload))
		got[payload.Y] = append(got[payload.Y], frame.Params.SubID)
	}
	assert.ElementsMatch(t, []string{"p1", "p2"}, got[ys[0]])
	assert.Equal(t, []string{"p2"}, got[ys[1]])
}

func TestPolling_SubscribeUnsubscribeBookkeeping(t *testing.T) {
	tr := newTestPolling(newFakeChecker(), time.Hour)
	defer tr.CloseAll()
	tr.Pause()

	rec := newRecorder()
	tr.On(testEndpoint, EventMessage, rec)

	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(1, jsonrpc.KindMintQuote, "s1", []string{"a", "b"}))
	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(2, jsonrpc.KindMeltQuote, "s2", []string{"m"}))
	assert.Equal(t, 3, tr.TaskCount(testEndpoint))

	// resubscribing an existing id does not duplicate tasks
	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(3, jsonrpc.KindMintQuote, "s1", []string{"a", "b"}))
	assert.Equal(t, 3, tr.TaskCount(testEndpoint))

	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(4, jsonrpc.KindProofState, "p1", makeYs(3)))
	assert.Equal(t, 4, tr.TaskCount(testEndpoint))

	tr.Send(testEndpoint, jsonrpc.NewUnsubscribeRequest(5, "s1"))
	assert.Equal(t, 2, tr.TaskCount(testEndpoint))

	tr.Send(testEndpoint, jsonrpc.NewUnsubscribeRequest(6, "p1"))
	assert.Equal(t, 1, tr.TaskCount(testEndpoint), "batch task dropped once no identifiers remain")
}

func TestPolling_RejectsEmptyFilters(t *testing.T) {
	tr := newTestPolling(newFakeChecker(), time.Hour)
	defer tr.CloseAll()

	rec := newRecorder()
	tr.On(testEndpoint, EventMessage, rec)
	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(9, jsonrpc.KindProofState, "p1", nil))

	ev := rec.next(t, EventMessage)
	frame, err := jsonrpc.ParseFrame(ev.Data)
	require.NoError(t, err)
	assert.True(t, frame.IsError())
	assert.Equal(t, 0, tr.TaskCount(testEndpoint))
}

func TestPolling_SyntheticOpenOnce(t *testing.T) {
	tr := newTestPolling(newFakeChecker(), time.Hour)
	defer tr.CloseAll()

	first := newRecorder()
	tr.On(testEndpoint, EventOpen, first)
	first.next(t, EventOpen)

	second := newRecorder()
	tr.On(testEndpoint, EventOpen, second)
	second.none(t, EventOpen, 100*time.Millisecond)
	first.none(t, EventOpen, 10*time.Millisecond)
}

func TestPolling_PauseStopsPolling(t *testing.T) {
	checker := newFakeChecker()
	tr := newTestPolling(checker, 10*time.Millisecond)
	defer tr.CloseAll()

	rec := newRecorder()
	tr.On(testEndpoint, EventMessage, rec)
	tr.Pause()
	tr.Send(testEndpoint, jsonrpc.NewSubscribeRequest(1, jsonrpc.KindMintQuote, "s1", []string{"q"}))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, checker.snapshot())

	tr.Resume()
	require.Eventually(t, func() bool { return len(checker.snapshot()) > 0 }, 3*time.Second, 10*time.Millisecond)
}
