package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/farmlink-realtime/internal/backoff"
	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
	"github.com/lorrc/farmlink-realtime/internal/core/mocks"
	"github.com/lorrc/farmlink-realtime/internal/infrastructure/logging"
)

var fastRetry = backoff.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}

// startListener runs a listener until the test ends and waits for LISTEN.
func startListener(t *testing.T, broadcaster *mocks.MockEventBroadcaster) *Listener {
	t.Helper()

	l := NewListener(testPool, DefaultChannel, broadcaster, fastRetry, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("listener did not stop")
		}
	})

	select {
	case <-l.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("listener never started listening")
	}
	return l
}

// orderUpdates records the order id and status of every EmitOrderUpdate call
func orderUpdates(b *mocks.MockEventBroadcaster) <-chan string {
	got := make(chan string, 16)
	b.On("EmitOrderUpdate", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			got <- args.String(1) + "/" + args.Get(2).(domain.OrderUpdate).Status
		}).
		Return()
	return got
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("no notification dispatched")
		return ""
	}
}

func TestListener_DispatchesEmittedEvents(t *testing.T) {
	b := mocks.NewMockEventBroadcaster()
	got := orderUpdates(b)

	farms := make(chan domain.FarmUpdate, 1)
	b.On("EmitFarmUpdate", mock.Anything, "farm-9", mock.Anything).
		Run(func(args mock.Arguments) { farms <- args.Get(2).(domain.FarmUpdate) }).
		Return()

	broadcasts := make(chan any, 1)
	b.On("BroadcastAll", mock.Anything, "maintenance", mock.Anything).
		Run(func(args mock.Arguments) { broadcasts <- args.Get(2) }).
		Return()

	startListener(t, b)
	emitter := NewEmitter(testPool)
	ctx := context.Background()

	require.NoError(t, emitter.Emit(ctx, KindOrderUpdate, "order-42", map[string]any{"status": "SHIPPED"}))
	assert.Equal(t, "order-42/SHIPPED", receive(t, got))

	require.NoError(t, emitter.Emit(ctx, KindFarmUpdate, "farm-9", domain.FarmUpdate{UpdateType: domain.FarmUpdateStatus}))
	select {
	case update := <-farms:
		assert.Equal(t, domain.FarmUpdateStatus, update.UpdateType)
	case <-time.After(5 * time.Second):
		t.Fatal("farm update not dispatched")
	}

	require.NoError(t, emitter.Emit(ctx, KindBroadcast, "maintenance", map[string]any{"at": "02:00"}))
	select {
	case data := <-broadcasts:
		assert.Equal(t, map[string]any{"at": "02:00"}, data)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast not dispatched")
	}
}

func TestListener_OnlyCommittedTransactionsNotify(t *testing.T) {
	b := mocks.NewMockEventBroadcaster()
	got := orderUpdates(b)
	startListener(t, b)

	emitter := NewEmitter(testPool)
	txm := NewTransactionManager(testPool)
	ctx := context.Background()
	errAbort := errors.New("abort")

	err := txm.WithTransaction(ctx, func(ctx context.Context, _ pgx.Tx) error {
		require.NoError(t, emitter.Emit(ctx, KindOrderUpdate, "1", map[string]any{"status": "rolled-back"}))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	err = txm.WithTransaction(ctx, func(ctx context.Context, _ pgx.Tx) error {
		for _, status := range []string{"a", "b", "c"} {
			if err := emitter.Emit(ctx, KindOrderUpdate, "1", map[string]any{"status": status}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "1/a", receive(t, got))
	assert.Equal(t, "1/b", receive(t, got))
	assert.Equal(t, "1/c", receive(t, got))
}

func TestListener_SkipsMalformedNotifications(t *testing.T) {
	b := mocks.NewMockEventBroadcaster()
	got := orderUpdates(b)
	startListener(t, b)
	ctx := context.Background()

	_, err := testPool.Exec(ctx, `SELECT pg_notify($1, 'not json')`, DefaultChannel)
	require.NoError(t, err)
	_, err = testPool.Exec(ctx, `SELECT pg_notify($1, '{"kind":"weather","id":"1"}')`, DefaultChannel)
	require.NoError(t, err)

	require.NoError(t, NewEmitter(testPool).Emit(ctx, KindOrderUpdate, "2", map[string]any{"status": "OK"}))
	assert.Equal(t, "2/OK", receive(t, got))
}

func TestListener_ReconnectsAfterConnectionLoss(t *testing.T) {
	b := mocks.NewMockEventBroadcaster()
	got := orderUpdates(b)
	startListener(t, b)
	ctx := context.Background()

	var terminated int
	err := testPool.QueryRow(ctx, `
		SELECT count(pg_terminate_backend(pid))
		FROM pg_stat_activity
		WHERE query LIKE 'LISTEN%' AND pid <> pg_backend_pid()`).Scan(&terminated)
	require.NoError(t, err)
	require.Equal(t, 1, terminated)

	emitter := NewEmitter(testPool)
	require.Eventually(t, func() bool {
		_ = emitter.Emit(ctx, KindOrderUpdate, "3", map[string]any{"status": "BACK"})
		select {
		case v := <-got:
			return v == "3/BACK"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)
}

func TestEmitter_RejectsUnknownKind(t *testing.T) {
	err := NewEmitter(testPool).Emit(context.Background(), Kind("weather"), "1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestListener_Dispatch(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
		setup   func(b *mocks.MockEventBroadcaster)
		wantErr error
	}{
		{
			name:    "order status change",
			payload: `{"kind":"order-status-change","id":"7","payload":{"status":"DELIVERED"}}`,
			setup: func(b *mocks.MockEventBroadcaster) {
				b.On("EmitOrderStatusChange", ctx, "7", domain.OrderUpdate{Status: "DELIVERED"}).Return().Once()
			},
		},
		{
			name:    "notification",
			payload: `{"kind":"notification","id":"1029","payload":{"type":"order","title":"t","message":"m"}}`,
			setup: func(b *mocks.MockEventBroadcaster) {
				b.On("EmitNotification", ctx, "1029", domain.Notification{Type: "order", Title: "t", Message: "m"}).Return().Once()
			},
		},
		{
			name:    "broadcast without payload",
			payload: `{"kind":"broadcast","event":"reload"}`,
			setup: func(b *mocks.MockEventBroadcaster) {
				b.On("BroadcastAll", ctx, "reload", nil).Return().Once()
			},
		},
		{name: "not json", payload: `nope`, wantErr: apperrors.ErrMalformedMessage},
		{name: "unknown kind", payload: `{"kind":"weather"}`, wantErr: apperrors.ErrUnknownEventType},
		{name: "broadcast without event", payload: `{"kind":"broadcast"}`, wantErr: apperrors.ErrMalformedMessage},
		{name: "bad payload", payload: `{"kind":"order-update","id":"1","payload":{"status":5}}`, wantErr: apperrors.ErrMalformedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := mocks.NewMockEventBroadcaster()
			if tt.setup != nil {
				tt.setup(b)
			}
			l := NewListener(nil, "", b, backoff.Policy{}, logging.Discard())

			err := l.Dispatch(ctx, tt.payload)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			b.AssertExpectations(t)
		})
	}
}
