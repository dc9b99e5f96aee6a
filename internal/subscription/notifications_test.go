package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
)

func newFeed(t *testing.T, srv *testServer, userID string) *NotificationFeed {
	t.Helper()
	cfg := srv.config()
	cfg.Token = userID
	f := NewNotificationFeed(userID, cfg, Callbacks{})
	t.Cleanup(func() { _ = f.Close() })
	waitJoined(t, f.Manager, domain.UserRoom(userID))
	return f
}

func notify(srv *testServer, userID, id string) {
	srv.broadcaster.EmitNotification(context.Background(), userID, domain.Notification{
		ID:      id,
		Type:    "order",
		Title:   "Order shipped",
		Message: "Your order is on its way",
	})
}

func TestNotificationFeed_EachSessionCountsOnce(t *testing.T) {
	srv := startServer(t)

	a := newFeed(t, srv, "1029")
	b := newFeed(t, srv, "1029")

	notify(srv, "1029", "n-1")

	for _, f := range []*NotificationFeed{a, b} {
		require.Eventually(t, func() bool { return f.UnreadCount() == 1 }, waitFor, 5*time.Millisecond)
	}

	// No duplicate delivery shows up later.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, a.UnreadCount())
	assert.Equal(t, 1, b.UnreadCount())
	assert.Equal(t, "n-1", a.Notifications()[0].ID)
	assert.Equal(t, "1029", a.Notifications()[0].UserID)
}

func TestNotificationFeed_IgnoresOtherEvents(t *testing.T) {
	srv := startServer(t)
	f := newFeed(t, srv, "7")

	srv.broadcaster.BroadcastAll(context.Background(), "maintenance", map[string]any{"at": "02:00"})
	notify(srv, "8", "other-user")
	notify(srv, "7", "mine")

	require.Eventually(t, func() bool { return f.UnreadCount() == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.Notifications(), 1)
	assert.Equal(t, "mine", f.Notifications()[0].ID)
}

func TestNotificationFeed_MarkAsReadAndClearAll(t *testing.T) {
	srv := startServer(t)
	f := newFeed(t, srv, "42")

	for _, id := range []string{"n-1", "n-2", "n-3"} {
		notify(srv, "42", id)
	}
	require.Eventually(t, func() bool { return f.UnreadCount() == 3 }, waitFor, 5*time.Millisecond)

	f.MarkAsRead("n-1")
	assert.Equal(t, 2, f.UnreadCount())
	assert.True(t, f.IsRead("n-1"))

	f.MarkAsRead("n-1")
	assert.Equal(t, 2, f.UnreadCount(), "marking twice counts once")

	f.MarkAsRead("unknown")
	assert.Equal(t, 2, f.UnreadCount())
	assert.False(t, f.IsRead("unknown"))

	f.ClearAll()
	assert.Equal(t, 0, f.UnreadCount())
	assert.True(t, f.IsRead("n-2"))
	assert.True(t, f.IsRead("n-3"))

	f.MarkAsRead("n-2")
	assert.Equal(t, 0, f.UnreadCount())

	notify(srv, "42", "n-4")
	require.Eventually(t, func() bool { return f.UnreadCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.False(t, f.IsRead("n-4"))
}

func TestNotificationFeed_RoomIsFixed(t *testing.T) {
	srv := startServer(t)
	f := newFeed(t, srv, "5")

	assert.ErrorIs(t, f.SetRooms([]string{"order:1"}), ErrFixedRoom)
	assert.Equal(t, []string{"user:5"}, f.Rooms())
	assert.Equal(t, "5", f.UserID())
}

func TestNotificationFeed_ForwardsToCallback(t *testing.T) {
	srv := startServer(t)

	got := make(chan domain.Event, 1)
	cfg := srv.config()
	cfg.Token = "9"
	f := NewNotificationFeed("9", cfg, Callbacks{OnUpdate: func(ev domain.Event) { got <- ev }})
	t.Cleanup(func() { _ = f.Close() })
	waitJoined(t, f.Manager, "user:9")

	notify(srv, "9", "n-1")

	select {
	case ev := <-got:
		assert.Equal(t, domain.EventNotification, ev.Type)
		assert.Equal(t, 1, f.UnreadCount())
	case <-time.After(waitFor):
		t.Fatal("callback not invoked")
	}
}

func TestNotificationFeed_MarkAsReadAfterLogEviction(t *testing.T) {
	srv := startServer(t)

	cfg := srv.config()
	cfg.Token = "77"
	cfg.LogLimit = 1
	f := NewNotificationFeed("77", cfg, Callbacks{})
	t.Cleanup(func() { _ = f.Close() })
	waitJoined(t, f.Manager, "user:77")

	notify(srv, "77", "n-1")
	notify(srv, "77", "n-2")
	require.Eventually(t, func() bool { return f.UnreadCount() == 2 }, waitFor, 5*time.Millisecond)
	require.Len(t, f.Notifications(), 1, "n-1 was evicted from the log")

	f.MarkAsRead("n-1")
	f.MarkAsRead("n-2")
	assert.Equal(t, 0, f.UnreadCount())
	assert.True(t, f.IsRead("n-1"))
}

func TestNotificationFeed_RepeatedIDCountsOnce(t *testing.T) {
	srv := startServer(t)
	f := newFeed(t, srv, "78")

	notify(srv, "78", "n-1")
	notify(srv, "78", "n-1")
	notify(srv, "78", "n-2")
	require.Eventually(t, func() bool { return len(f.Events()) == 3 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.UnreadCount() == 2 }, waitFor, 5*time.Millisecond)

	f.MarkAsRead("n-1")
	f.MarkAsRead("n-2")
	assert.Equal(t, 0, f.UnreadCount())

	// A redelivered notification that was already read stays read.
	notify(srv, "78", "n-1")
	notify(srv, "78", "n-3")
	require.Eventually(t, func() bool { return f.UnreadCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.True(t, f.IsRead("n-1"))
	assert.False(t, f.IsRead("n-3"))
}
