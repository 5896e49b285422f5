package watcher

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mintsync/internal/events"
	"mintsync/internal/jsonrpc"
	"mintsync/internal/mint"
	"mintsync/internal/wallet"
)

func newTestQuoteWatcher(t *testing.T, subs *fakeSubscriber, quotes *fakeQuotes, repo wallet.QuoteRepository, bus *events.Bus, watchExisting bool) *QuoteWatcher {
	t.Helper()
	w := NewQuoteWatcher(subs, quotes, repo, bus, QuoteWatcherOptions{WatchExistingPendingOnStart: watchExisting}, zerolog.Nop())
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestQuoteWatcher_BatchTeardown(t *testing.T) {
	subs := &fakeSubscriber{}
	quotes := &fakeQuotes{}
	w := newTestQuoteWatcher(t, subs, quotes, nil, nil, false)

	all := ids("q", 150)
	require.NoError(t, w.Watch(context.Background(), testEndpoint, all...))

	created := subs.subscriptions()
	require.Len(t, created, 2)
	assert.Equal(t, jsonrpc.KindMintQuote, created[0].kind)
	assert.Equal(t, all[:100], created[0].filters)
	assert.Equal(t, all[100:], created[1].filters)

	issue := func(sub int, id string) {
		subs.notify(t, sub, mint.QuoteStatePayload{Quote: id, State: string(wallet.QuoteIssued)})
	}

	// 49 of the second batch: group stays open
	for _, id := range all[100:149] {
		issue(1, id)
	}
	assert.Empty(t, subs.unsubscribedIDs())
	assert.True(t, w.Watching(testEndpoint, all[149]))
	assert.False(t, w.Watching(testEndpoint, all[100]))

	issue(1, all[149])
	assert.Equal(t, []string{created[1].id}, subs.unsubscribedIDs())

	for _, id := range all[:99] {
		issue(0, id)
	}
	assert.Len(t, subs.unsubscribedIDs(), 1)
	issue(0, all[99])
	assert.Equal(t, []string{created[1].id, created[0].id}, subs.unsubscribedIDs())

	assert.Len(t, quotes.recorded(), 150)
}

func TestQuoteWatcher_WatchIsIdempotent(t *testing.T) {
	subs := &fakeSubscriber{}
	w := newTestQuoteWatcher(t, subs, &fakeQuotes{}, nil, nil, false)
	ctx := context.Background()

	require.NoError(t, w.Watch(ctx, testEndpoint, "a", "b", "a"))
	require.NoError(t, w.Watch(ctx, testEndpoint, "a", "b"))
	require.NoError(t, w.Watch(ctx, testEndpoint, "b", "c"))

	created := subs.subscriptions()
	require.Len(t, created, 2)
	assert.Equal(t, []string{"a", "b"}, created[0].filters)
	assert.Equal(t, []string{"c"}, created[1].filters)
}

func TestQuoteWatcher_Unsettled(t *testing.T) {
	subs := &fakeSubscriber{}
	w := newTestQuoteWatcher(t, subs, &fakeQuotes{}, nil, nil, false)
	ctx := context.Background()

	ipv6 := "http://[::1]:3338"
	require.NoError(t, w.Watch(ctx, testEndpoint, "a", "b"))
	require.NoError(t, w.Watch(ctx, ipv6, "c"))
	assert.Equal(t, 3, w.Count())

	var seen []string
	n := w.Unsettled(func(endpoint, quoteID string) bool {
		seen = append(seen, endpoint+" "+quoteID)
		return quoteID == "b" || (endpoint == ipv6 && quoteID == "c")
	})
	assert.Equal(t, 1, n)
	assert.ElementsMatch(t, []string{testEndpoint + " a", testEndpoint + " b", ipv6 + " c"}, seen)
	assert.Equal(t, 3, w.Count(), "settled quotes stay watched")
}

func TestQuoteWatcher_Notifications(t *testing.T) {
	subs := &fakeSubscriber{}
	quotes := &fakeQuotes{}
	w := newTestQuoteWatcher(t, subs, quotes, nil, nil, false)

	require.NoError(t, w.Watch(context.Background(), testEndpoint, "q1"))

	subs.notify(t, 0, mint.QuoteStatePayload{Quote: "q1", State: string(wallet.QuoteUnpaid)})
	subs.notify(t, 0, mint.QuoteStatePayload{Quote: "other", State: string(wallet.QuotePaid)})
	assert.Empty(t, quotes.recorded())

	subs.notify(t, 0, mint.QuoteStatePayload{Quote: "q1", State: string(wallet.QuotePaid)})
	assert.Equal(t, []string{"q1:PAID"}, quotes.recorded())
	assert.True(t, w.Watching(testEndpoint, "q1"), "PAID keeps watching")

	// a failing update still releases an issued quote
	quotes.err = errors.New("db locked")
	subs.notify(t, 0, mint.QuoteStatePayload{Quote: "q1", State: string(wallet.QuoteIssued)})
	assert.False(t, w.Watching(testEndpoint, "q1"))
	assert.Len(t, subs.unsubscribedIDs(), 1)

	// late notifications for a released quote are ignored
	subs.notify(t, 0, mint.QuoteStatePayload{Quote: "q1", State: string(wallet.QuoteIssued)})
	assert.Len(t, quotes.recorded(), 2)

	sub := subs.subscriptions()[0]
	assert.Error(t, sub.cb([]byte(`not json`)))
}

func TestQuoteWatcher_LoadsPendingOnStart(t *testing.T) {
	subs := &fakeSubscriber{}
	repo := &fakeRepo{quotes: []wallet.Quote{
		{Endpoint: testEndpoint, ID: "a", State: wallet.QuoteUnpaid},
		{Endpoint: testEndpoint, ID: "b", State: wallet.QuotePaid},
		{Endpoint: "https://other.example", ID: "c", State: wallet.QuotePending},
	}}
	w := newTestQuoteWatcher(t, subs, &fakeQuotes{}, repo, nil, true)

	created := subs.subscriptions()
	require.Len(t, created, 2)
	byEndpoint := map[string][]string{}
	for _, s := range created {
		byEndpoint[s.endpoint] = s.filters
	}
	assert.Equal(t, []string{"a", "b"}, byEndpoint[testEndpoint])
	assert.Equal(t, []string{"c"}, byEndpoint["https://other.example"])
	assert.True(t, w.Watching("https://other.example", "c"))
}

func TestQuoteWatcher_StartToleratesRepositoryError(t *testing.T) {
	subs := &fakeSubscriber{}
	w := newTestQuoteWatcher(t, subs, &fakeQuotes{}, &fakeRepo{err: errors.New("closed")}, nil, true)
	assert.True(t, w.IsRunning())
	assert.Empty(t, subs.subscriptions())
}

func TestQuoteWatcher_SkipsExistingWhenDisabled(t *testing.T) {
	subs := &fakeSubscriber{}
	repo := &fakeRepo{quotes: []wallet.Quote{{Endpoint: testEndpoint, ID: "a"}}}
	newTestQuoteWatcher(t, subs, &fakeQuotes{}, repo, nil, false)
	assert.Empty(t, subs.subscriptions())
}

func TestQuoteWatcher_EventTriggers(t *testing.T) {
	subs := &fakeSubscriber{}
	bus := events.NewBus(zerolog.Nop())
	w := newTestQuoteWatcher(t, subs, &fakeQuotes{}, nil, bus, false)
	ctx := context.Background()

	bus.Emit(ctx, events.QuoteCreated{Endpoint: testEndpoint, QuoteID: "created"})
	bus.Emit(ctx, events.QuoteAdded{Endpoint: testEndpoint, QuoteID: "paid", Quote: wallet.Quote{State: wallet.QuotePaid}})
	bus.Emit(ctx, events.QuoteAdded{Endpoint: testEndpoint, QuoteID: "issued", Quote: wallet.Quote{State: wallet.QuoteIssued}})
	bus.Emit(ctx, events.QuoteAdded{Endpoint: testEndpoint, QuoteID: "unpaid", Quote: wallet.Quote{State: wallet.QuoteUnpaid}})
	bus.Emit(ctx, events.QuoteRequeue{Endpoint: testEndpoint, QuoteID: "requeued"})

	var filters []string
	for _, s := range subs.subscriptions() {
		filters = append(filters, s.filters...)
	}
	assert.Equal(t, []string{"created", "unpaid", "requeued"}, filters)
	assert.True(t, w.Watching(testEndpoint, "requeued"))
}

func TestQuoteWatcher_StopUnsubscribesAll(t *testing.T) {
	subs := &fakeSubscriber{unsubscribeErr: errors.New("already gone")}
	bus := events.NewBus(zerolog.Nop())
	w := NewQuoteWatcher(subs, &fakeQuotes{}, nil, bus, QuoteWatcherOptions{BatchSize: 2}, zerolog.Nop())
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Watch(context.Background(), testEndpoint, "a", "b", "c"))
	require.Len(t, subs.subscriptions(), 2)

	w.Stop()
	assert.False(t, w.IsRunning())
	assert.ElementsMatch(t, []string{"sub-1", "sub-2"}, subs.unsubscribedIDs())
	assert.Equal(t, 0, bus.HandlerCount(events.KindQuoteCreated))

	// stopped watchers ignore new work
	require.NoError(t, w.Watch(context.Background(), testEndpoint, "d"))
	assert.Len(t, subs.subscriptions(), 2)
	w.Stop()
}

func TestQuoteWatcher_SubscribeError(t *testing.T) {
	subs := &fakeSubscriber{subscribeErr: errors.New("empty filters")}
	w := newTestQuoteWatcher(t, subs, &fakeQuotes{}, nil, nil, false)

	assert.Error(t, w.Watch(context.Background(), testEndpoint, "a"))
	assert.False(t, w.Watching(testEndpoint, "a"))
}
