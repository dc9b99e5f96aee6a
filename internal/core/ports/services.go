package ports

import (
	"context"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
)

// EventBroadcaster is the typed emission API used by business logic.
// Emission is best effort: nothing is returned and an empty room is not an
// error.
type EventBroadcaster interface {
	EmitOrderUpdate(ctx context.Context, orderID string, update domain.OrderUpdate)
	EmitOrderStatusChange(ctx context.Context, orderID string, update domain.OrderUpdate)
	EmitFarmUpdate(ctx context.Context, farmID string, update domain.FarmUpdate)
	EmitNotification(ctx context.Context, userID string, notification domain.Notification)
	BroadcastAll(ctx context.Context, eventName string, data any)
}

// RoomAuthorizer decides whether a connection may join a room.
// A nil error allows the join.
type RoomAuthorizer interface {
	CanJoin(meta domain.ConnectionMetadata, room domain.Room) error
}
