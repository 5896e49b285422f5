package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mintsync/internal/crypto"
	"mintsync/internal/events"
	"mintsync/internal/jsonrpc"
	"mintsync/internal/mint"
	"mintsync/internal/wallet"
)

func fakeDerive(secret string) (string, error) {
	return "y-" + secret, nil
}

func newTestProofWatcher(t *testing.T, subs *fakeSubscriber, proofs *fakeProofs, bus *events.Bus, derive crypto.Deriver) *ProofWatcher {
	t.Helper()
	w := NewProofWatcher(subs, proofs, bus, derive, zerolog.Nop())
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestProofWatcher_WatchesByDerivedY(t *testing.T) {
	subs := &fakeSubscriber{}
	proofs := &fakeProofs{}
	w := newTestProofWatcher(t, subs, proofs, nil, fakeDerive)

	require.NoError(t, w.Watch(context.Background(), testEndpoint, "s1", "s2", "s1"))
	created := subs.subscriptions()
	require.Len(t, created, 1)
	assert.Equal(t, jsonrpc.KindProofState, created[0].kind)
	assert.Equal(t, []string{"y-s1", "y-s2"}, created[0].filters)

	// only SPENT acts
	subs.notify(t, 0, mint.ProofStatePayload{Y: "y-s1", State: mint.StatePending})
	subs.notify(t, 0, mint.ProofStatePayload{Y: "y-s1", State: mint.StateUnspent})
	subs.notify(t, 0, mint.ProofStatePayload{Y: "y-unknown", State: mint.StateSpent})
	assert.Equal(t, 0, proofs.callCount())

	subs.notify(t, 0, mint.ProofStatePayload{Y: "y-s1", State: mint.StateSpent})
	assert.Equal(t, 1, proofs.callCount())
	assert.False(t, w.Watching(testEndpoint, "s1"))
	assert.True(t, w.Watching(testEndpoint, "s2"))
	assert.Empty(t, subs.unsubscribedIDs())

	subs.notify(t, 0, mint.ProofStatePayload{Y: "y-s1", State: mint.StateSpent})
	assert.Equal(t, 1, proofs.callCount(), "released secrets are not marked again")

	subs.notify(t, 0, mint.ProofStatePayload{Y: "y-s2", State: mint.StateSpent})
	assert.Equal(t, []string{"sub-1"}, subs.unsubscribedIDs())
	assert.Equal(t, [][]string{{"s1"}, {"s2"}}, proofs.calls)
}

func TestProofWatcher_SingleFlight(t *testing.T) {
	subs := &fakeSubscriber{}
	proofs := &fakeProofs{
		entered: make(chan struct{}, 4),
		block:   make(chan struct{}),
	}
	w := newTestProofWatcher(t, subs, proofs, nil, fakeDerive)
	require.NoError(t, w.Watch(context.Background(), testEndpoint, "s1"))

	cb := subs.subscriptions()[0].cb
	payload, err := json.Marshal(mint.ProofStatePayload{Y: "y-s1", State: mint.StateSpent})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb(payload)
	}()

	select {
	case <-proofs.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("first notification never reached the proof service")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb(payload)
	}()
	time.Sleep(20 * time.Millisecond)
	close(proofs.block)
	wg.Wait()

	assert.Equal(t, 1, proofs.callCount())
	assert.False(t, w.Watching(testEndpoint, "s1"))
	assert.Equal(t, []string{"sub-1"}, subs.unsubscribedIDs())
}

func TestProofWatcher_FailedUpdateKeepsWatching(t *testing.T) {
	subs := &fakeSubscriber{}
	proofs := &fakeProofs{err: errors.New("db locked")}
	w := newTestProofWatcher(t, subs, proofs, nil, fakeDerive)
	require.NoError(t, w.Watch(context.Background(), testEndpoint, "s1"))

	subs.notify(t, 0, mint.ProofStatePayload{Y: "y-s1", State: mint.StateSpent})
	assert.True(t, w.Watching(testEndpoint, "s1"))

	proofs.err = nil
	subs.notify(t, 0, mint.ProofStatePayload{Y: "y-s1", State: mint.StateSpent})
	assert.False(t, w.Watching(testEndpoint, "s1"))
	assert.Equal(t, 2, proofs.callCount())
}

func TestProofWatcher_EventTriggers(t *testing.T) {
	subs := &fakeSubscriber{}
	bus := events.NewBus(zerolog.Nop())
	w := newTestProofWatcher(t, subs, &fakeProofs{}, bus, fakeDerive)
	ctx := context.Background()

	bus.Emit(ctx, events.ProofStateChanged{Endpoint: testEndpoint, Secrets: []string{"s1", "s2"}, State: wallet.ProofInflight})
	require.Len(t, subs.subscriptions(), 1)
	assert.True(t, w.Watching(testEndpoint, "s1"))

	bus.Emit(ctx, events.ProofStateChanged{Endpoint: testEndpoint, Secrets: []string{"s3"}, State: wallet.ProofReady})
	assert.Len(t, subs.subscriptions(), 1)

	bus.Emit(ctx, events.ProofStateChanged{Endpoint: testEndpoint, Secrets: []string{"s1"}, State: wallet.ProofSpent})
	assert.False(t, w.Watching(testEndpoint, "s1"))
	assert.Empty(t, subs.unsubscribedIDs())

	bus.Emit(ctx, events.ProofStateChanged{Endpoint: testEndpoint, Secrets: []string{"s2"}, State: wallet.ProofSpent})
	assert.Equal(t, []string{"sub-1"}, subs.unsubscribedIDs())
}

func TestProofWatcher_DeriveError(t *testing.T) {
	subs := &fakeSubscriber{}
	w := newTestProofWatcher(t, subs, &fakeProofs{}, nil, func(string) (string, error) {
		return "", errors.New("bad secret")
	})

	assert.Error(t, w.Watch(context.Background(), testEndpoint, "s1"))
	assert.Empty(t, subs.subscriptions())
	assert.False(t, w.Watching(testEndpoint, "s1"))
}

func TestProofWatcher_DefaultDeriver(t *testing.T) {
	subs := &fakeSubscriber{}
	w := newTestProofWatcher(t, subs, &fakeProofs{}, nil, nil)
	require.NoError(t, w.Watch(context.Background(), testEndpoint, "secret"))

	want, err := crypto.YHex("secret")
	require.NoError(t, err)
	assert.Equal(t, []string{want}, subs.subscriptions()[0].filters)
}

func TestProofWatcher_Stop(t *testing.T) {
	subs := &fakeSubscriber{}
	bus := events.NewBus(zerolog.Nop())
	w := NewProofWatcher(subs, &fakeProofs{}, bus, fakeDerive, zerolog.Nop())
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Watch(context.Background(), testEndpoint, "s1"))
	require.NoError(t, w.Watch(context.Background(), "https://other.example", "s1"))

	w.Stop()
	assert.False(t, w.IsRunning())
	assert.ElementsMatch(t, []string{"sub-1", "sub-2"}, subs.unsubscribedIDs())
	assert.Equal(t, 0, bus.HandlerCount(events.KindProofStateChanged))
}
