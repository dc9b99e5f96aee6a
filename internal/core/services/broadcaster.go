package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
	"github.com/lorrc/farmlink-realtime/internal/core/ports"
)

// RelayPublishTimeout bounds how long an emission waits on the relay
const RelayPublishTimeout = 500 * time.Millisecond

// Broadcaster resolves rooms for typed emissions and fans events out to
// local connections and, when configured, to other instances via the relay.
type Broadcaster struct {
	fanout   ports.Fanout
	relay    ports.Relay
	recorder ports.EmissionRecorder
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// Ensure implementation matches the interface.
var _ ports.EventBroadcaster = (*Broadcaster)(nil)

// NewBroadcaster creates the emission service. relay and recorder may be nil.
func NewBroadcaster(
	fanout ports.Fanout,
	relay ports.Relay,
	recorder ports.EmissionRecorder,
	logger *slog.Logger,
) *Broadcaster {
	return &Broadcaster{
		fanout:   fanout,
		relay:    relay,
		recorder: recorder,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   logger.With("component", "broadcaster"),
	}
}

// EmitOrderUpdate sends an order-update event to room order:<orderID>.
func (b *Broadcaster) EmitOrderUpdate(ctx context.Context, orderID string, update domain.OrderUpdate) {
	b.emitOrder(ctx, domain.EventOrderUpdate, orderID, update)
}

// EmitOrderStatusChange sends an order-status-change event to room
// order:<orderID>.
func (b *Broadcaster) EmitOrderStatusChange(ctx context.Context, orderID string, update domain.OrderUpdate) {
	b.emitOrder(ctx, domain.EventOrderStatusChange, orderID, update)
}

func (b *Broadcaster) emitOrder(ctx context.Context, eventType domain.EventType, orderID string, update domain.OrderUpdate) {
	if !b.validID(ctx, eventType, "order_id", orderID) {
		return
	}
	update.OrderID = orderID
	b.emit(ctx, domain.NewOrderEvent(eventType, update, b.now()))
}

// EmitFarmUpdate sends a farm-update event to room farm:<farmID>.
func (b *Broadcaster) EmitFarmUpdate(ctx context.Context, farmID string, update domain.FarmUpdate) {
	if !b.validID(ctx, domain.EventFarmUpdate, "farm_id", farmID) {
		return
	}
	if !update.UpdateType.Valid() {
		b.logger.WarnContext(ctx, "dropping farm update",
			"farm_id", farmID,
			"update_type", update.UpdateType,
			"error", apperrors.ErrInvalidUpdateType,
		)
		return
	}
	update.FarmID = farmID
	b.emit(ctx, domain.NewFarmEvent(update, b.now()))
}

// EmitNotification sends a notification event to room user:<userID>. A
// notification without an ID gets a fresh one.
func (b *Broadcaster) EmitNotification(ctx context.Context, userID string, notification domain.Notification) {
	if !b.validID(ctx, domain.EventNotification, "user_id", userID) {
		return
	}
	notification.UserID = userID
	if notification.ID == "" {
		notification.ID = b.newID()
	}
	b.emit(ctx, domain.NewNotificationEvent(notification, b.now()))
}

// BroadcastAll sends a broadcast event to every connected client
// regardless of room membership.
func (b *Broadcaster) BroadcastAll(ctx context.Context, eventName string, data any) {
	if eventName == "" {
		b.logger.WarnContext(ctx, "dropping broadcast without event name")
		return
	}
	b.emit(ctx, domain.NewBroadcastEvent(eventName, data, b.now()))
}

func (b *Broadcaster) validID(ctx context.Context, eventType domain.EventType, field, id string) bool {
	if err := domain.ValidateEntityID(id); err != nil {
		b.logger.WarnContext(ctx, "dropping event with invalid id",
			"event_type", eventType,
			field, id,
			"error", err,
		)
		return false
	}
	return true
}

// emit delivers locally, then relays. Neither step reports failure to the
// caller.
func (b *Broadcaster) emit(ctx context.Context, event domain.Event) {
	global := event.Room == ""

	var attempts int
	if global {
		attempts = b.fanout.DeliverToAll(event)
	} else {
		attempts = b.fanout.DeliverToRoom(event.Room, event)
	}

	if b.recorder != nil {
		b.recorder.RecordEmission(event.Type)
	}

	b.logger.DebugContext(ctx, "event emitted",
		"event_type", event.Type,
		"room", event.Room,
		"local_deliveries", attempts,
	)

	if b.relay == nil {
		return
	}
	// Local delivery already happened; the caller's cancellation must not
	// skip the relay, and a slow Redis must not hold the caller.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RelayPublishTimeout)
	defer cancel()

	msg := domain.RelayMessage{Room: event.Room, Global: global, Event: event}
	if err := b.relay.Publish(pubCtx, msg); err != nil {
		b.logger.WarnContext(ctx, "failed to relay event",
			"event_type", event.Type,
			"room", event.Room,
			"error", err,
		)
	}
}
