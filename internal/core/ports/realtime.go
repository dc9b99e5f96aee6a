package ports

import (
	"context"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
)

// Fanout delivers events to the connections held by this process.
// Both methods return the number of delivery attempts made.
type Fanout interface {
	DeliverToRoom(room string, event domain.Event) int
	DeliverToAll(event domain.Event) int
}

// Relay forwards locally emitted events to other gateway instances.
type Relay interface {
	Publish(ctx context.Context, msg domain.RelayMessage) error
}

// EmissionRecorder counts emitted events by type.
type EmissionRecorder interface {
	RecordEmission(eventType domain.EventType)
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
