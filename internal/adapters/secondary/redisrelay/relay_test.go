package redisrelay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	"github.com/lorrc/farmlink-realtime/internal/core/mocks"
	"github.com/lorrc/farmlink-realtime/internal/infrastructure/logging"
)

var fixedNow = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func newRelay(t *testing.T, channel string) *Relay {
	t.Helper()
	client, err := NewClient(testRedisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return New(client, channel, logging.Discard())
}

func runRelay(t *testing.T, r *Relay, fanout *mocks.MockFanout) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, fanout) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop")
		}
	})

	select {
	case <-r.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("relay never subscribed")
	}
}

func TestEnvelope_DecodesWhatItEncodes(t *testing.T) {
	event := domain.NewOrderEvent(domain.EventOrderUpdate, domain.OrderUpdate{OrderID: "42", Status: "SHIPPED"}, fixedNow)

	data, err := encodeEnvelope("node-a", domain.RelayMessage{Room: "order:42", Event: event})
	require.NoError(t, err)

	again, err := encodeEnvelope("node-a", domain.RelayMessage{Room: "order:42", Event: event})
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")

	origin, msg, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "node-a", origin)
	assert.Equal(t, "order:42", msg.Room)
	assert.False(t, msg.Global)
	assert.Equal(t, event, msg.Event)
}

func TestEnvelope_RejectsBadInput(t *testing.T) {
	_, _, err := decodeEnvelope([]byte("not cbor"))
	assert.Error(t, err)

	event := domain.NewOrderEvent(domain.EventOrderUpdate, domain.OrderUpdate{OrderID: "1", Status: "x"}, fixedNow)
	data, err := encodeEnvelope("node-a", domain.RelayMessage{Room: "bogus", Event: event})
	require.NoError(t, err)
	_, _, err = decodeEnvelope(data)
	assert.Error(t, err, "room must be valid for non-global envelopes")
}

func TestRelay_DeliversToOtherInstancesOnly(t *testing.T) {
	const channel = "test:relay:deliver"

	a := newRelay(t, channel)
	b := newRelay(t, channel)
	require.NotEqual(t, a.Origin(), b.Origin())

	fanoutA := mocks.NewMockFanout()
	fanoutB := mocks.NewMockFanout()

	delivered := make(chan domain.Event, 2)
	fanoutB.On("DeliverToRoom", "order:42", mock.Anything).
		Run(func(args mock.Arguments) { delivered <- args.Get(1).(domain.Event) }).
		Return(1)
	fanoutB.On("DeliverToAll", mock.Anything).
		Run(func(args mock.Arguments) { delivered <- args.Get(0).(domain.Event) }).
		Return(3)

	runRelay(t, a, fanoutA)
	runRelay(t, b, fanoutB)

	ctx := context.Background()
	orderEvent := domain.NewOrderEvent(domain.EventOrderUpdate, domain.OrderUpdate{OrderID: "42", Status: "SHIPPED"}, fixedNow)
	require.NoError(t, a.Publish(ctx, domain.RelayMessage{Room: "order:42", Event: orderEvent}))

	broadcast := domain.NewBroadcastEvent("maintenance", nil, fixedNow)
	require.NoError(t, a.Publish(ctx, domain.RelayMessage{Global: true, Event: broadcast}))

	for _, want := range []domain.Event{orderEvent, broadcast} {
		select {
		case got := <-delivered:
			assert.Equal(t, want.Type, got.Type)
			assert.Equal(t, want.Room, got.Room)
		case <-time.After(5 * time.Second):
			t.Fatal("relayed event not delivered")
		}
	}

	// The publisher never delivers its own envelopes.
	time.Sleep(100 * time.Millisecond)
	fanoutA.AssertNotCalled(t, "DeliverToRoom", mock.Anything, mock.Anything)
	fanoutA.AssertNotCalled(t, "DeliverToAll", mock.Anything)
}

func TestRelay_SkipsMalformedEnvelopes(t *testing.T) {
	const channel = "test:relay:malformed"

	r := newRelay(t, channel)
	fanout := mocks.NewMockFanout()
	delivered := make(chan struct{}, 1)
	fanout.On("DeliverToRoom", "farm:1", mock.Anything).
		Run(func(mock.Arguments) { delivered <- struct{}{} }).
		Return(1)
	runRelay(t, r, fanout)

	ctx := context.Background()
	require.NoError(t, r.client.Publish(ctx, channel, "garbage").Err())

	other := newRelay(t, channel)
	event := domain.NewFarmEvent(domain.FarmUpdate{FarmID: "1", UpdateType: domain.FarmUpdateProfile}, fixedNow)
	require.NoError(t, other.Publish(ctx, domain.RelayMessage{Room: "farm:1", Event: event}))

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("relay stopped after a malformed envelope")
	}
}

func TestRelay_Ping(t *testing.T) {
	r := newRelay(t, "")
	assert.NoError(t, r.Ping(context.Background()))
}
