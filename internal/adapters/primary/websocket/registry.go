package websocket

import (
	"sync"

	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
)

// Registry maintains the connection to room membership graph.
// Rooms exist only while they have members. All operations are in-memory
// and guarded by a single lock.
type Registry struct {
	mu sync.RWMutex

	// rooms maps room names to member connection IDs
	rooms map[string]map[string]struct{}

	// connections maps connection IDs to the rooms they joined.
	// Presence in this map means the connection is live.
	connections map[string]map[string]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[string]map[string]struct{}),
		connections: make(map[string]map[string]struct{}),
	}
}

// Add registers a live connection with no rooms. Adding an already known
// connection is a no-op.
func (r *Registry) Add(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[connID]; !ok {
		r.connections[connID] = make(map[string]struct{})
	}
}

// Join adds the connection to the room, creating the room if needed.
// Joining a room twice is a no-op. Joining on a connection that was never
// added, or was already dropped, returns ErrConnectionClosed.
func (r *Registry) Join(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.connections[connID]
	if !ok {
		return apperrors.ErrConnectionClosed
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}
	joined[room] = struct{}{}
	return nil
}

// Leave removes the connection from the room. The room is deleted as soon
// as it becomes empty. Leaving a room that was not joined is a no-op.
func (r *Registry) Leave(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if joined, ok := r.connections[connID]; ok {
		delete(joined, room)
	}
	r.removeMemberLocked(room, connID)
}

// DropConnection removes the connection from every room it joined and
// forgets it. It returns the rooms that were left. Unknown connections are
// ignored, so the call is safe from any number of disconnect paths.
func (r *Registry) DropConnection(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.connections[connID]
	if !ok {
		return nil
	}
	delete(r.connections, connID)

	left := make([]string, 0, len(joined))
	for room := range joined {
		r.removeMemberLocked(room, connID)
		left = append(left, room)
	}
	return left
}

func (r *Registry) removeMemberLocked(room, connID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// MembersOf returns a snapshot of the connection IDs in the room. The
// result may be empty and is safe to use after the lock is released.
func (r *Registry) MembersOf(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// RoomsOf returns a snapshot of the rooms the connection joined.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.connections[connID]
	rooms := make([]string, 0, len(joined))
	for room := range joined {
		rooms = append(rooms, room)
	}
	return rooms
}

// IsMember reports whether the connection is in the room
func (r *Registry) IsMember(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[room][connID]
	return ok
}

// RoomCount returns the number of non-empty rooms
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ConnectionCount returns the number of live connections
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// MemberCount returns the number of connections in the room
func (r *Registry) MemberCount(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}
