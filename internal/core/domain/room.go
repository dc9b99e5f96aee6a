package domain

import (
	"strings"
	"unicode"

	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
)

// RoomKind is the prefix of a room name and identifies the domain entity
// the room broadcasts about.
type RoomKind string

const (
	RoomKindOrder RoomKind = "order"
	RoomKindFarm  RoomKind = "farm"
	RoomKindUser  RoomKind = "user"
)

// MaxRoomIDLength bounds the id part of a room name.
const MaxRoomIDLength = 128

// roomSeparator splits "<kind>:<id>".
const roomSeparator = ":"

// Room is a parsed room name of the form "<kind>:<id>".
type Room struct {
	Kind RoomKind
	ID   string
}

// String returns the canonical room name.
func (r Room) String() string {
	return string(r.Kind) + roomSeparator + r.ID
}

// IDField returns the JSON field name used to echo the room's domain id
// in join/leave acknowledgements.
func (r Room) IDField() string {
	switch r.Kind {
	case RoomKindOrder:
		return "orderId"
	case RoomKindFarm:
		return "farmId"
	case RoomKindUser:
		return "userId"
	default:
		return "id"
	}
}

// OrderRoom returns the room name for an order.
func OrderRoom(orderID string) string {
	return Room{Kind: RoomKindOrder, ID: orderID}.String()
}

// FarmRoom returns the room name for a farm.
func FarmRoom(farmID string) string {
	return Room{Kind: RoomKindFarm, ID: farmID}.String()
}

// UserRoom returns the room name for a user's personal notification room.
func UserRoom(userID string) string {
	return Room{Kind: RoomKindUser, ID: userID}.String()
}

// ParseRoom validates a room name and splits it into kind and id.
func ParseRoom(name string) (Room, error) {
	if strings.TrimSpace(name) == "" {
		return Room{}, apperrors.ErrRoomNameRequired
	}

	kind, id, ok := strings.Cut(name, roomSeparator)
	if !ok {
		return Room{}, apperrors.ErrInvalidRoomName
	}

	switch RoomKind(kind) {
	case RoomKindOrder, RoomKindFarm, RoomKindUser:
	default:
		return Room{}, apperrors.ErrInvalidRoomName
	}

	if err := ValidateEntityID(id); err != nil {
		return Room{}, apperrors.ErrInvalidRoomName
	}

	return Room{Kind: RoomKind(kind), ID: id}, nil
}

// ValidateEntityID checks a domain id used to build a room name.
func ValidateEntityID(id string) error {
	if id == "" {
		return apperrors.ErrEntityIDRequired
	}
	if len(id) > MaxRoomIDLength {
		return apperrors.ErrEntityIDTooLong
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return apperrors.ErrEntityIDInvalid
		}
	}
	return nil
}
