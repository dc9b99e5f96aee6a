package domain

import (
	"encoding/json"
	"time"
)

// CommandType identifies a message sent from a client to the gateway.
type CommandType string

const (
	CommandJoinRoom  CommandType = "join-room"
	CommandLeaveRoom CommandType = "leave-room"
)

// Command is the envelope for messages sent from the client.
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RoomCommandPayload is the payload of join-room and leave-room commands.
type RoomCommandPayload struct {
	Room string `json:"room"`
}

// NewRoomCommand builds a join-room or leave-room command.
func NewRoomCommand(commandType CommandType, room string) Command {
	payload, _ := json.Marshal(RoomCommandPayload{Room: room})
	return Command{Type: commandType, Payload: payload}
}

// ConnectionMetadata holds identity attributes attached to a connection by
// the authentication step before the session is created. It never changes
// afterwards.
type ConnectionMetadata struct {
	UserID string
	OrgID  string
}

// Authenticated reports whether an identity was attached.
func (m ConnectionMetadata) Authenticated() bool {
	return m.UserID != ""
}

// ConnectionInfo is a read-only view of a live connection.
type ConnectionInfo struct {
	ID          string
	Metadata    ConnectionMetadata
	ConnectedAt time.Time
	Rooms       []string
}

// RelayMessage carries an emitted event between gateway instances. Global
// messages go to every connection, otherwise only to members of Room.
type RelayMessage struct {
	Room   string
	Global bool
	Event  Event
}
