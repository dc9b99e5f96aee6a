package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorrc/farmlink-realtime/internal/backoff"
	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
	"github.com/lorrc/farmlink-realtime/internal/core/ports"
)

// DefaultChannel is the channel realtime_emit notifies on
const DefaultChannel = "realtime_events"

// Kind selects which broadcaster operation a notification maps to
type Kind string

const (
	KindOrderUpdate       Kind = "order-update"
	KindOrderStatusChange Kind = "order-status-change"
	KindFarmUpdate        Kind = "farm-update"
	KindNotification      Kind = "notification"
	KindBroadcast         Kind = "broadcast"
)

// Notification is the JSON body realtime_emit sends with NOTIFY
type Notification struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Listener turns Postgres notifications into broadcaster emissions. It
// holds one pooled connection for LISTEN and reconnects with backoff when
// that connection fails.
type Listener struct {
	pool        *pgxpool.Pool
	channel     string
	broadcaster ports.EventBroadcaster
	policy      backoff.Policy
	logger      *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewListener creates a listener on channel. MaxAttempts in policy is
// ignored; the listener retries until its context ends.
func NewListener(
	pool *pgxpool.Pool,
	channel string,
	broadcaster ports.EventBroadcaster,
	policy backoff.Policy,
	logger *slog.Logger,
) *Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	if policy.Base <= 0 {
		policy = backoff.DefaultPolicy
	}
	return &Listener{
		pool:        pool,
		channel:     channel,
		broadcaster: broadcaster,
		policy:      policy,
		logger:      logger.With("component", "pg_listener", "channel", channel),
		ready:       make(chan struct{}),
	}
}

// Ready is closed after the first successful LISTEN
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Run listens until ctx is cancelled. It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		listening, err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if listening {
			attempt = 0
		}

		delay := l.policy.Delay(attempt)
		l.logger.Warn("listener connection lost",
			"error", err,
			"attempt", attempt,
			"retry_in", delay.String(),
		)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return nil
		}
		attempt++
	}
}

// listen holds one connection until it fails. listening reports whether
// LISTEN succeeded on it.
func (l *Listener) listen(ctx context.Context) (listening bool, err error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer l.release(conn)

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen: %w", err)
	}
	l.logger.Info("listening for realtime notifications")
	l.readyOnce.Do(func() { close(l.ready) })

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return true, fmt.Errorf("wait for notification: %w", err)
		}
		if err := l.Dispatch(ctx, n.Payload); err != nil {
			l.logger.Warn("skipping malformed notification",
				"error", err,
				"payload", n.Payload,
			)
		}
	}
}

// release stops listening before the connection goes back to the pool. A
// connection that cannot UNLISTEN is closed so the pool discards it.
func (l *Listener) release(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

// Dispatch decodes one notification payload and calls the matching
// broadcaster operation.
func (l *Listener) Dispatch(ctx context.Context, payload string) error {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrMalformedMessage, err)
	}

	switch n.Kind {
	case KindOrderUpdate, KindOrderStatusChange:
		var update domain.OrderUpdate
		if err := decodePayload(n.Payload, &update); err != nil {
			return err
		}
		if n.Kind == KindOrderStatusChange {
			l.broadcaster.EmitOrderStatusChange(ctx, n.ID, update)
		} else {
			l.broadcaster.EmitOrderUpdate(ctx, n.ID, update)
		}

	case KindFarmUpdate:
		var update domain.FarmUpdate
		if err := decodePayload(n.Payload, &update); err != nil {
			return err
		}
		l.broadcaster.EmitFarmUpdate(ctx, n.ID, update)

	case KindNotification:
		var notification domain.Notification
		if err := decodePayload(n.Payload, &notification); err != nil {
			return err
		}
		l.broadcaster.EmitNotification(ctx, n.ID, notification)

	case KindBroadcast:
		if n.Event == "" {
			return fmt.Errorf("%w: broadcast without event name", apperrors.ErrMalformedMessage)
		}
		var data any
		if err := decodePayload(n.Payload, &data); err != nil {
			return err
		}
		l.broadcaster.BroadcastAll(ctx, n.Event, data)

	default:
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownEventType, n.Kind)
	}
	return nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(apperrors.ErrMalformedMessage, err)
	}
	return nil
}
