package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
	"github.com/lorrc/farmlink-realtime/internal/core/ports"
)

// Config holds the per-connection transport settings
type Config struct {
	// Time allowed to write a message to the peer.
	WriteWait time.Duration

	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration

	// Send pings to peer with this period. Must be less than PongWait.
	PingPeriod time.Duration

	// Maximum message size allowed from peer.
	MaxMessageSize int64

	// Number of outbound events buffered per connection.
	SendBufferSize int

	// Inbound commands per second and burst per connection.
	CommandRate  float64
	CommandBurst int
}

// DefaultConfig returns the transport defaults
func DefaultConfig() Config {
	pongWait := 60 * time.Second
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       pongWait,
		PingPeriod:     (pongWait * 9) / 10,
		MaxMessageSize: 4096,
		SendBufferSize: 256,
		CommandRate:    20,
		CommandBurst:   40,
	}
}

// DeliveryRecorder receives fan-out and protocol counters
type DeliveryRecorder interface {
	RecordDelivery(failed bool)
	RecordProtocolError()
}

// Stats is a point-in-time view of the gateway
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// Gateway accepts websocket connections, runs the join/leave protocol for
// each of them and delivers events to room members.
type Gateway struct {
	cfg        Config
	registry   *Registry
	authorizer ports.RoomAuthorizer
	recorder   DeliveryRecorder

	// mu protects sessions and closed
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	// wg tracks running pumps
	wg sync.WaitGroup

	now    func() time.Time
	logger *slog.Logger
}

// Ensure Gateway implements the Fanout interface.
var _ ports.Fanout = (*Gateway)(nil)

// NewGateway creates a gateway over the given registry. authorizer and
// recorder may be nil.
func NewGateway(
	cfg Config,
	registry *Registry,
	authorizer ports.RoomAuthorizer,
	recorder DeliveryRecorder,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		cfg:        cfg,
		registry:   registry,
		authorizer: authorizer,
		recorder:   recorder,
		sessions:   make(map[string]*Session),
		now:        time.Now,
		logger:     logger.With("component", "websocket_gateway"),
	}
}

// Accept creates a session for an upgraded connection and starts its pumps.
// The metadata is attached once and never changes.
func (g *Gateway) Accept(conn *websocket.Conn, meta domain.ConnectionMetadata) (*Session, error) {
	s := newSession(conn, meta, g.cfg, g.now(), g.logger)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, apperrors.ErrGatewayClosed
	}
	g.sessions[s.id] = s
	g.registry.Add(s.id)
	g.wg.Add(2)
	total := len(g.sessions)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		s.writePump()
	}()
	go func() {
		defer g.wg.Done()
		s.readPump(g.handleMessage)
		g.drop(s, "peer disconnected", websocket.CloseNormalClosure)
	}()

	s.logger.Info("connection accepted", "total_connections", total)
	return s, nil
}

// drop is the single cleanup path for every way a session can end: peer
// close, heartbeat timeout, slow consumer, forced disconnect and shutdown.
// Only the first call for a session has any effect.
func (g *Gateway) drop(s *Session, reason string, code int) {
	s.dropOnce.Do(func() {
		g.mu.Lock()
		delete(g.sessions, s.id)
		g.mu.Unlock()

		rooms := g.registry.DropConnection(s.id)
		s.closeWith(code, reason)

		s.logger.Info("connection dropped",
			"reason", reason,
			"rooms_left", len(rooms),
			"connected_for", time.Since(s.connectedAt).Round(time.Millisecond).String(),
		)
	})
}

// Disconnect force-closes one connection. It reports whether the
// connection was live.
func (g *Gateway) Disconnect(connID string) bool {
	g.mu.RLock()
	s, ok := g.sessions[connID]
	g.mu.RUnlock()
	if !ok {
		return false
	}

	g.drop(s, "disconnected by server", websocket.ClosePolicyViolation)
	return true
}

// Shutdown closes every connection with a going-away frame and waits for
// their pumps to finish or ctx to expire. New connections are refused.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	g.logger.Info("shutting down websocket gateway", "connections", len(sessions))

	for _, s := range sessions {
		g.drop(s, "server shutting down", websocket.CloseGoingAway)
	}

	finished := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket gateway shutdown: %w", ctx.Err())
	}
}

// Stats returns connection and room counts
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	connections := len(g.sessions)
	g.mu.RUnlock()

	return Stats{
		Connections: connections,
		Rooms:       g.registry.RoomCount(),
	}
}

// Connection returns a read-only view of a live connection
func (g *Gateway) Connection(connID string) (domain.ConnectionInfo, bool) {
	g.mu.RLock()
	s, ok := g.sessions[connID]
	g.mu.RUnlock()
	if !ok {
		return domain.ConnectionInfo{}, false
	}

	return domain.ConnectionInfo{
		ID:          s.id,
		Metadata:    s.metadata,
		ConnectedAt: s.connectedAt,
		Rooms:       g.registry.RoomsOf(s.id),
	}, true
}

// --- Fan-out ---

// DeliverToRoom sends the event to every current member of the room and
// returns the number of delivery attempts. An empty room is not an error.
func (g *Gateway) DeliverToRoom(room string, event domain.Event) int {
	members := g.registry.MembersOf(room)
	if len(members) == 0 {
		return 0
	}

	msg, err := json.Marshal(event)
	if err != nil {
		g.logger.Error("failed to marshal event", "event_type", event.Type, "room", room, "error", err)
		return 0
	}

	// Resolve sessions under the lock, write outside it.
	g.mu.RLock()
	targets := make([]*Session, 0, len(members))
	missing := 0
	for _, id := range members {
		if s, ok := g.sessions[id]; ok {
			targets = append(targets, s)
		} else {
			missing++
		}
	}
	g.mu.RUnlock()

	for i := 0; i < missing; i++ {
		g.recordDelivery(true)
	}

	g.logger.Debug("delivering event",
		"event_type", event.Type,
		"room", room,
		"member_count", len(members),
	)

	g.deliver(targets, msg, event.Type)
	return len(members)
}

// DeliverToAll sends the event to every live connection regardless of
// room membership.
func (g *Gateway) DeliverToAll(event domain.Event) int {
	msg, err := json.Marshal(event)
	if err != nil {
		g.logger.Error("failed to marshal event", "event_type", event.Type, "error", err)
		return 0
	}

	g.mu.RLock()
	targets := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		targets = append(targets, s)
	}
	g.mu.RUnlock()

	g.deliver(targets, msg, event.Type)
	return len(targets)
}

// deliver writes msg to each session. A failure on one session is logged
// and never stops delivery to the others.
func (g *Gateway) deliver(targets []*Session, msg []byte, eventType domain.EventType) {
	for _, s := range targets {
		err := s.Send(msg)
		g.recordDelivery(err != nil)
		if err == nil {
			continue
		}

		if errors.Is(err, apperrors.ErrSendBufferFull) {
			s.logger.Warn("send buffer full, dropping connection", "event_type", eventType)
			g.drop(s, "send buffer full", websocket.CloseTryAgainLater)
			continue
		}
		s.logger.Debug("skipping closed connection", "event_type", eventType, "error", err)
	}
}

func (g *Gateway) recordDelivery(failed bool) {
	if g.recorder != nil {
		g.recorder.RecordDelivery(failed)
	}
}

// --- Inbound commands ---

// handleMessage processes one message received from the client. Protocol
// errors are reported to this connection only; it stays open.
func (g *Gateway) handleMessage(s *Session, raw []byte) {
	if !s.limiter.Allow() {
		g.replyError(s, apperrors.ErrMessageRateLimit)
		return
	}

	var cmd domain.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.logger.Debug("failed to unmarshal client message", "error", err)
		g.replyError(s, apperrors.ErrMalformedMessage)
		return
	}

	switch cmd.Type {
	case domain.CommandJoinRoom:
		g.handleJoin(s, cmd.Payload)
	case domain.CommandLeaveRoom:
		g.handleLeave(s, cmd.Payload)
	default:
		s.logger.Debug("received unknown message type", "type", cmd.Type)
		g.replyError(s, fmt.Errorf("%w: %q", apperrors.ErrUnknownCommand, cmd.Type))
	}
}

func (g *Gateway) handleJoin(s *Session, payload json.RawMessage) {
	room, err := parseRoomPayload(payload)
	if err != nil {
		g.replyError(s, err)
		return
	}

	if g.authorizer != nil {
		if err := g.authorizer.CanJoin(s.metadata, room); err != nil {
			s.logger.Warn("room join denied", "room", room.String(), "error", err)
			g.replyError(s, err)
			return
		}
	}

	if err := g.registry.Join(s.id, room.String()); err != nil {
		// The session was dropped while the command was in flight.
		return
	}

	s.logger.Debug("joined room", "room", room.String())
	g.reply(s, domain.NewRoomAckEvent(domain.EventRoomJoined, room, g.now()))
}

func (g *Gateway) handleLeave(s *Session, payload json.RawMessage) {
	room, err := parseRoomPayload(payload)
	if err != nil {
		g.replyError(s, err)
		return
	}

	g.registry.Leave(s.id, room.String())

	s.logger.Debug("left room", "room", room.String())
	g.reply(s, domain.NewRoomAckEvent(domain.EventRoomLeft, room, g.now()))
}

func parseRoomPayload(payload json.RawMessage) (domain.Room, error) {
	var p domain.RoomCommandPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return domain.Room{}, apperrors.ErrMalformedMessage
		}
	}
	return domain.ParseRoom(p.Room)
}

func (g *Gateway) replyError(s *Session, err error) {
	if g.recorder != nil {
		g.recorder.RecordProtocolError()
	}
	g.reply(s, domain.NewErrorEvent(err.Error(), g.now()))
}

func (g *Gateway) reply(s *Session, event domain.Event) {
	msg, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal reply", "event_type", event.Type, "error", err)
		return
	}
	if err := s.Send(msg); err != nil {
		s.logger.Debug("failed to queue reply", "event_type", event.Type, "error", err)
	}
}
