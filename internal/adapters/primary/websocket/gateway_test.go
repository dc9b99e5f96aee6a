package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
	"github.com/lorrc/farmlink-realtime/internal/core/mocks"
	"github.com/lorrc/farmlink-realtime/internal/core/ports"
	"github.com/lorrc/farmlink-realtime/internal/infrastructure/logging"
)

// --- helpers ----------------------------------------------------------------

type countingRecorder struct {
	deliveries     chan bool
	protocolErrors chan struct{}
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		deliveries:     make(chan bool, 100),
		protocolErrors: make(chan struct{}, 100),
	}
}

func (r *countingRecorder) RecordDelivery(failed bool) { r.deliveries <- failed }
func (r *countingRecorder) RecordProtocolError()       { r.protocolErrors <- struct{}{} }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WriteWait = time.Second
	return cfg
}

// startGateway serves the gateway over httptest. The ?user= query value is
// attached as connection metadata.
func startGateway(t *testing.T, cfg Config, authorizer ports.RoomAuthorizer) (string, *Gateway) {
	t.Helper()

	g := NewGateway(cfg, NewRegistry(), authorizer, nil, logging.Discard())

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		meta := domain.ConnectionMetadata{UserID: r.URL.Query().Get("user")}
		if _, err := g.Accept(conn, meta); err != nil {
			_ = conn.Close()
		}
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
		srv.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http"), g
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmdType domain.CommandType, room string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(domain.NewRoomCommand(cmdType, room)))
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev domain.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func joinRoom(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	sendCommand(t, conn, domain.CommandJoinRoom, room)
	ev := readEvent(t, conn)
	require.Equal(t, domain.EventRoomJoined, ev.Type, "join %s: %+v", room, ev.Payload)
}

func orderEvent(orderID, status string) domain.Event {
	return domain.NewOrderEvent(domain.EventOrderUpdate, domain.OrderUpdate{OrderID: orderID, Status: status}, time.Now())
}

// --- protocol ---------------------------------------------------------------

func TestGateway_JoinRoomAcknowledges(t *testing.T) {
	wsURL, g := startGateway(t, testConfig(), nil)
	conn := dial(t, wsURL)

	sendCommand(t, conn, domain.CommandJoinRoom, "order:42")
	ev := readEvent(t, conn)

	assert.Equal(t, domain.EventRoomJoined, ev.Type)
	assert.Empty(t, ev.Room)
	assert.Equal(t, domain.RoomAck{Room: "order:42", IDField: "orderId", EntityID: "42"}, ev.Payload)
	assert.Equal(t, 1, g.registry.MemberCount("order:42"))
}

func TestGateway_JoinRoomRejectsInvalidNames(t *testing.T) {
	wsURL, g := startGateway(t, testConfig(), nil)
	conn := dial(t, wsURL)

	for _, room := range []string{"", "order:", "tickets:1", "order:has space", "nocolon"} {
		sendCommand(t, conn, domain.CommandJoinRoom, room)
		ev := readEvent(t, conn)
		assert.Equal(t, domain.EventError, ev.Type, "room %q", room)
	}

	assert.Equal(t, 0, g.registry.RoomCount())
}

func TestGateway_MalformedAndUnknownMessagesKeepConnectionOpen(t *testing.T) {
	wsURL, _ := startGateway(t, testConfig(), nil)
	conn := dial(t, wsURL)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev := readEvent(t, conn)
	require.Equal(t, domain.EventError, ev.Type)
	assert.Equal(t, apperrors.ErrMalformedMessage.Error(), ev.Payload.(domain.ErrorMessage).Message)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe"}))
	ev = readEvent(t, conn)
	require.Equal(t, domain.EventError, ev.Type)
	assert.Contains(t, ev.Payload.(domain.ErrorMessage).Message, "subscribe")

	joinRoom(t, conn, "farm:5")
}

func TestGateway_LeaveRoom(t *testing.T) {
	wsURL, g := startGateway(t, testConfig(), nil)
	conn := dial(t, wsURL)
	joinRoom(t, conn, "farm:5")

	sendCommand(t, conn, domain.CommandLeaveRoom, "farm:5")
	ev := readEvent(t, conn)

	assert.Equal(t, domain.EventRoomLeft, ev.Type)
	assert.Equal(t, domain.RoomAck{Room: "farm:5", IDField: "farmId", EntityID: "5"}, ev.Payload)
	assert.Equal(t, 0, g.registry.RoomCount())

	// Leaving again is still acknowledged.
	sendCommand(t, conn, domain.CommandLeaveRoom, "farm:5")
	assert.Equal(t, domain.EventRoomLeft, readEvent(t, conn).Type)
}

func TestGateway_AuthorizerDeniesJoin(t *testing.T) {
	authorizer := mocks.NewMockRoomAuthorizer()
	member := domain.ConnectionMetadata{UserID: "7"}
	authorizer.On("CanJoin", member, domain.Room{Kind: domain.RoomKindUser, ID: "7"}).Return(nil)
	authorizer.On("CanJoin", member, mock.Anything).Return(apperrors.ErrForbiddenRoom)

	wsURL, g := startGateway(t, testConfig(), authorizer)
	conn := dial(t, wsURL+"?user=7")

	sendCommand(t, conn, domain.CommandJoinRoom, "user:8")
	ev := readEvent(t, conn)
	require.Equal(t, domain.EventError, ev.Type)
	assert.Equal(t, apperrors.ErrForbiddenRoom.Error(), ev.Payload.(domain.ErrorMessage).Message)
	assert.Equal(t, 0, g.registry.MemberCount("user:8"))

	joinRoom(t, conn, "user:7")
	authorizer.AssertNumberOfCalls(t, "CanJoin", 2)
}

func TestGateway_CommandRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.CommandRate = 0.001
	cfg.CommandBurst = 1
	wsURL, _ := startGateway(t, cfg, nil)
	conn := dial(t, wsURL)

	joinRoom(t, conn, "order:1")

	sendCommand(t, conn, domain.CommandJoinRoom, "order:2")
	ev := readEvent(t, conn)
	require.Equal(t, domain.EventError, ev.Type)
	assert.Equal(t, apperrors.ErrMessageRateLimit.Error(), ev.Payload.(domain.ErrorMessage).Message)
}

// --- fan-out ----------------------------------------------------------------

func TestGateway_DeliverToRoomReachesEveryMember(t *testing.T) {
	wsURL, g := startGateway(t, testConfig(), nil)

	members := make([]*websocket.Conn, 3)
	for i := range members {
		members[i] = dial(t, wsURL)
		joinRoom(t, members[i], "order:1")
	}
	other := dial(t, wsURL)
	joinRoom(t, other, "farm:1")

	attempts := g.DeliverToRoom("order:1", orderEvent("1", "SHIPPED"))
	assert.Equal(t, 3, attempts)

	for _, conn := range members {
		ev := readEvent(t, conn)
		assert.Equal(t, domain.EventOrderUpdate, ev.Type)
		assert.Equal(t, "order:1", ev.Room)
		assert.Equal(t, "SHIPPED", ev.Payload.(domain.OrderUpdate).Status)
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "farm member must not receive order events")
}

func TestGateway_DeliverToEmptyRoom(t *testing.T) {
	_, g := startGateway(t, testConfig(), nil)
	assert.Equal(t, 0, g.DeliverToRoom("order:order-42", orderEvent("order-42", "SHIPPED")))
}

func TestGateway_DeliverToAllIgnoresRooms(t *testing.T) {
	wsURL, g := startGateway(t, testConfig(), nil)

	a := dial(t, wsURL)
	b := dial(t, wsURL)
	joinRoom(t, b, "user:3")
	require.Eventually(t, func() bool { return g.Stats().Connections == 2 }, time.Second, 10*time.Millisecond)

	attempts := g.DeliverToAll(domain.NewBroadcastEvent("maintenance", map[string]any{"minutes": 5}, time.Now()))
	assert.Equal(t, 2, attempts)

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, domain.EventBroadcast, ev.Type)
		assert.Empty(t, ev.Room)
		assert.Equal(t, "maintenance", ev.Payload.(domain.BroadcastMessage).Event)
	}
}

func TestGateway_PreservesPerConnectionOrder(t *testing.T) {
	wsURL, g := startGateway(t, testConfig(), nil)
	conn := dial(t, wsURL)
	joinRoom(t, conn, "order:9")

	const n = 50
	for i := 0; i < n; i++ {
		g.DeliverToRoom("order:9", orderEvent("9", strconv.Itoa(i)))
	}

	for i := 0; i < n; i++ {
		ev := readEvent(t, conn)
		require.Equal(t, strconv.Itoa(i), ev.Payload.(domain.OrderUpdate).Status)
	}
}

func TestGateway_RecordsDeliveries(t *testing.T) {
	recorder := newCountingRecorder()
	g := NewGateway(testConfig(), NewRegistry(), nil, recorder, logging.Discard())

	// A registry member without a live session counts as a failed attempt.
	g.registry.Add("ghost")
	require.NoError(t, g.registry.Join("ghost", "order:1"))

	assert.Equal(t, 1, g.DeliverToRoom("order:1", orderEvent("1", "NEW")))
	assert.True(t, <-recorder.deliveries)
}

// --- lifecycle --------------------------------------------------------------

func TestGateway_DisconnectCleansUpRooms(t *testing.T) {
	wsURL, g := startGateway(t, testConfig(), nil)
	conn := dial(t, wsURL)
	joinRoom(t, conn, "order:1")
	joinRoom(t, conn, "user:1")

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return g.Stats() == Stats{Connections: 0, Rooms: 0}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, g.registry.MembersOf("order:1"))
}

func TestGateway_HeartbeatTimeoutDropsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.PongWait = 150 * time.Millisecond
	cfg.PingPeriod = 50 * time.Millisecond
	wsURL, g := startGateway(t, cfg, nil)

	// The client never reads, so it never answers pings.
	conn := dial(t, wsURL)
	sendCommand(t, conn, domain.CommandJoinRoom, "farm:1")
	require.Eventually(t, func() bool { return g.registry.RoomCount() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return g.Stats() == Stats{Connections: 0, Rooms: 0}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_DisconnectByID(t *testing.T) {
	wsURL, g := startGateway(t, testConfig(), nil)
	conn := dial(t, wsURL)
	joinRoom(t, conn, "order:1")

	members := g.registry.MembersOf("order:1")
	require.Len(t, members, 1)

	info, ok := g.Connection(members[0])
	require.True(t, ok)
	assert.Equal(t, []string{"order:1"}, info.Rooms)

	assert.True(t, g.Disconnect(members[0]))
	assert.False(t, g.Disconnect(members[0]))
	assert.False(t, g.Disconnect("unknown"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 0, g.registry.RoomCount())
}

func TestGateway_ShutdownClosesConnectionsAndRefusesNew(t *testing.T) {
	wsURL, g := startGateway(t, testConfig(), nil)
	conn := dial(t, wsURL)
	joinRoom(t, conn, "order:1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))

	assert.Equal(t, Stats{}, g.Stats())

	_, err = g.Accept(nil, domain.ConnectionMetadata{})
	assert.ErrorIs(t, err, apperrors.ErrGatewayClosed)
}

// --- session ----------------------------------------------------------------

func TestSession_SendNeverBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.SendBufferSize = 1
	s := newSession(nil, domain.ConnectionMetadata{}, cfg, time.Now(), logging.Discard())

	require.NoError(t, s.Send([]byte("a")))
	assert.ErrorIs(t, s.Send([]byte("b")), apperrors.ErrSendBufferFull)

	s.Close()
	s.Close()
	assert.ErrorIs(t, s.Send([]byte("c")), apperrors.ErrConnectionClosed)
}

func TestSession_LogsCarryConnectionIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: "debug", Format: "json", Output: &buf})

	s := newSession(nil, domain.ConnectionMetadata{UserID: "1029"}, testConfig(), time.Now(), logger)
	s.logger.Info("connection accepted")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, s.ID(), record["connection_id"])
	assert.Equal(t, "1029", record["user_id"])
}
