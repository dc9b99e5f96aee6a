package subscription

import (
	"errors"
	"sync"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
)

// ErrFixedRoom is returned by SetRooms on a NotificationFeed.
var ErrFixedRoom = errors.New("notification feed room is fixed")

// NotificationFeed is a Manager fixed to one user's personal room that
// also tracks how many notifications are unread. Unread state is kept per
// distinct notification ID, independent of the bounded event log.
type NotificationFeed struct {
	*Manager

	userID string

	mu       sync.Mutex
	unread   int
	received map[string]struct{}
	read     map[string]struct{}
}

// NewNotificationFeed subscribes to user:<userID> for notification events
// only. cfg.Rooms and cfg.Subscribe are ignored.
func NewNotificationFeed(userID string, cfg Config, cb Callbacks) *NotificationFeed {
	f := &NotificationFeed{
		userID:   userID,
		received: make(map[string]struct{}),
		read:     make(map[string]struct{}),
	}

	onUpdate := cb.OnUpdate
	cb.OnUpdate = func(ev domain.Event) {
		f.receive(ev)
		if onUpdate != nil {
			onUpdate(ev)
		}
	}
	cb.OnStatusChange = nil

	cfg.Rooms = []string{domain.UserRoom(userID)}
	cfg.Subscribe = []domain.EventType{domain.EventNotification}

	f.Manager = New(cfg, cb)
	return f
}

// receive counts a notification once per ID. Notifications without an ID
// cannot be marked individually and are only cleared by ClearAll.
func (f *NotificationFeed) receive(ev domain.Event) {
	n, _ := ev.Payload.(domain.Notification)

	f.mu.Lock()
	defer f.mu.Unlock()

	if n.ID == "" {
		f.unread++
		return
	}
	if _, ok := f.received[n.ID]; ok {
		return
	}
	f.received[n.ID] = struct{}{}
	if _, ok := f.read[n.ID]; !ok {
		f.unread++
	}
}

// UserID returns the user whose room the feed follows
func (f *NotificationFeed) UserID() string {
	return f.userID
}

// SetRooms is not supported on a feed; the room is fixed for its lifetime.
func (f *NotificationFeed) SetRooms([]string) error {
	return ErrFixedRoom
}

// UnreadCount returns the number of unread notifications
func (f *NotificationFeed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

// Notifications returns the received notifications, oldest first
func (f *NotificationFeed) Notifications() []domain.Notification {
	events := f.Events()
	out := make([]domain.Notification, 0, len(events))
	for _, ev := range events {
		if n, ok := ev.Payload.(domain.Notification); ok {
			out = append(out, n)
		}
	}
	return out
}

// IsRead reports whether the notification was marked as read
func (f *NotificationFeed) IsRead(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.read[id]
	return ok
}

// MarkAsRead marks one received notification as read. Unknown IDs and
// repeated calls leave the count unchanged, and it never goes below zero.
func (f *NotificationFeed) MarkAsRead(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.received[id]; !ok {
		return
	}
	if _, ok := f.read[id]; ok {
		return
	}
	f.read[id] = struct{}{}
	if f.unread > 0 {
		f.unread--
	}
}

// ClearAll marks every received notification as read
func (f *NotificationFeed) ClearAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id := range f.received {
		f.read[id] = struct{}{}
	}
	f.unread = 0
}
