package domain

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
)

// EventType defines the type of real-time event.
type EventType string

const (
	EventOrderUpdate       EventType = "order-update"
	EventOrderStatusChange EventType = "order-status-change"
	EventFarmUpdate        EventType = "farm-update"
	EventNotification      EventType = "notification"
	EventBroadcast         EventType = "broadcast"
	EventRoomJoined        EventType = "room-joined"
	EventRoomLeft          EventType = "room-left"
	EventError             EventType = "error"
)

// TimestampLayout is the ISO-8601 layout used for every event timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Payload is the closed set of event payloads. Only types in this package
// implement it.
type Payload interface {
	isPayload()
}

// Event is the message sent over the WebSocket. It is immutable once built
// through one of the constructors below.
type Event struct {
	Type      EventType `json:"type"`
	Room      string    `json:"room,omitempty"` // empty for global broadcasts and direct replies
	Payload   Payload   `json:"payload"`
	Timestamp string    `json:"timestamp"`
}

// OrderUpdate is the payload of order-update and order-status-change events.
type OrderUpdate struct {
	OrderID   string         `json:"orderId"`
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// FarmUpdateType enumerates the kinds of farm changes.
type FarmUpdateType string

const (
	FarmUpdateProfile FarmUpdateType = "profile"
	FarmUpdateProduct FarmUpdateType = "product"
	FarmUpdateStatus  FarmUpdateType = "status"
)

// Valid reports whether t is a known farm update type.
func (t FarmUpdateType) Valid() bool {
	switch t {
	case FarmUpdateProfile, FarmUpdateProduct, FarmUpdateStatus:
		return true
	}
	return false
}

// FarmUpdate is the payload of farm-update events.
type FarmUpdate struct {
	FarmID     string         `json:"farmId"`
	UpdateType FarmUpdateType `json:"updateType"`
	Data       map[string]any `json:"data"`
	Timestamp  string         `json:"timestamp"`
}

// Notification is the payload of notification events.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// BroadcastMessage is the payload of platform-wide broadcast events.
type BroadcastMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// RoomAck acknowledges a join or leave request. It echoes the room and the
// domain id under the kind-specific field name (orderId, farmId, userId).
type RoomAck struct {
	Room     string
	IDField  string
	EntityID string
}

// MarshalJSON renders {"room": ..., "<IDField>": ...}.
func (a RoomAck) MarshalJSON() ([]byte, error) {
	out := map[string]string{"room": a.Room}
	if a.IDField != "" {
		out[a.IDField] = a.EntityID
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the room and whichever id field is present.
func (a *RoomAck) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Room = raw["room"]
	for key, value := range raw {
		if key == "room" {
			continue
		}
		a.IDField = key
		a.EntityID = value
	}
	return nil
}

// ErrorMessage is the payload of error events.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (OrderUpdate) isPayload()      {}
func (FarmUpdate) isPayload()       {}
func (Notification) isPayload()     {}
func (BroadcastMessage) isPayload() {}
func (RoomAck) isPayload()          {}
func (ErrorMessage) isPayload()     {}

// NewOrderEvent builds an order-update or order-status-change event.
func NewOrderEvent(eventType EventType, update OrderUpdate, now time.Time) Event {
	ts := FormatTimestamp(now)
	if update.Timestamp == "" {
		update.Timestamp = ts
	}
	return Event{
		Type:      eventType,
		Room:      OrderRoom(update.OrderID),
		Payload:   update,
		Timestamp: ts,
	}
}

// NewFarmEvent builds a farm-update event.
func NewFarmEvent(update FarmUpdate, now time.Time) Event {
	ts := FormatTimestamp(now)
	if update.Timestamp == "" {
		update.Timestamp = ts
	}
	if update.Data == nil {
		update.Data = map[string]any{}
	}
	return Event{
		Type:      EventFarmUpdate,
		Room:      FarmRoom(update.FarmID),
		Payload:   update,
		Timestamp: ts,
	}
}

// NewNotificationEvent builds a notification event.
func NewNotificationEvent(n Notification, now time.Time) Event {
	ts := FormatTimestamp(now)
	if n.Timestamp == "" {
		n.Timestamp = ts
	}
	return Event{
		Type:      EventNotification,
		Room:      UserRoom(n.UserID),
		Payload:   n,
		Timestamp: ts,
	}
}

// NewBroadcastEvent builds a global broadcast event. It has no room.
func NewBroadcastEvent(eventName string, data any, now time.Time) Event {
	return Event{
		Type:      EventBroadcast,
		Payload:   BroadcastMessage{Event: eventName, Data: data},
		Timestamp: FormatTimestamp(now),
	}
}

// NewRoomAckEvent builds a room-joined or room-left acknowledgement.
func NewRoomAckEvent(eventType EventType, room Room, now time.Time) Event {
	return Event{
		Type: eventType,
		Payload: RoomAck{
			Room:     room.String(),
			IDField:  room.IDField(),
			EntityID: room.ID,
		},
		Timestamp: FormatTimestamp(now),
	}
}

// NewErrorEvent builds an error event addressed to a single connection.
func NewErrorEvent(message string, now time.Time) Event {
	return Event{
		Type:      EventError,
		Payload:   ErrorMessage{Message: message},
		Timestamp: FormatTimestamp(now),
	}
}

// UnmarshalJSON decodes an event envelope, picking the payload type from
// the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Type      EventType       `json:"type"`
		Room      string          `json:"room"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	payload, err := decodePayload(envelope.Type, envelope.Payload)
	if err != nil {
		return err
	}

	*e = Event{
		Type:      envelope.Type,
		Room:      envelope.Room,
		Payload:   payload,
		Timestamp: envelope.Timestamp,
	}
	return nil
}

func decodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	var payload Payload
	switch eventType {
	case EventOrderUpdate, EventOrderStatusChange:
		payload = &OrderUpdate{}
	case EventFarmUpdate:
		payload = &FarmUpdate{}
	case EventNotification:
		payload = &Notification{}
	case EventBroadcast:
		payload = &BroadcastMessage{}
	case EventRoomJoined, EventRoomLeft:
		payload = &RoomAck{}
	case EventError:
		payload = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownEventType, eventType)
	}

	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
	}

	// Payloads are stored by value so type switches match the emitted form.
	switch p := payload.(type) {
	case *OrderUpdate:
		return *p, nil
	case *FarmUpdate:
		return *p, nil
	case *Notification:
		return *p, nil
	case *BroadcastMessage:
		return *p, nil
	case *RoomAck:
		return *p, nil
	case *ErrorMessage:
		return *p, nil
	}
	return payload, nil
}
