package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
	"github.com/lorrc/farmlink-realtime/internal/infrastructure/logging"
)

// Session is a middleman between one websocket connection and the gateway.
// It owns the connection; the registry only stores its ID.
type Session struct {
	id          string
	metadata    domain.ConnectionMetadata
	connectedAt time.Time

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of serialized outbound events.
	send chan []byte

	// done is closed exactly once when the session ends. The send channel is
	// never closed, so concurrent senders cannot panic.
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string

	// dropOnce guards the gateway's cleanup path
	dropOnce sync.Once

	// limiter throttles inbound commands
	limiter *rate.Limiter

	cfg    Config
	logger *slog.Logger
}

func newSession(conn *websocket.Conn, meta domain.ConnectionMetadata, cfg Config, now time.Time, logger *slog.Logger) *Session {
	id := uuid.NewString()

	ctx := logging.WithConnectionID(context.Background(), id)
	if meta.UserID != "" {
		ctx = logging.WithUserID(ctx, meta.UserID)
	}

	return &Session{
		id:          id,
		metadata:    meta,
		connectedAt: now,
		conn:        conn,
		send:        make(chan []byte, cfg.SendBufferSize),
		done:        make(chan struct{}),
		closeCode:   websocket.CloseNormalClosure,
		limiter:     rate.NewLimiter(rate.Limit(cfg.CommandRate), cfg.CommandBurst),
		cfg:         cfg,
		logger:      logging.LoggerFromContext(ctx, logger),
	}
}

// ID returns the connection ID assigned at accept time
func (s *Session) ID() string { return s.id }

// Metadata returns the identity attached before the session was created
func (s *Session) Metadata() domain.ConnectionMetadata { return s.metadata }

// ConnectedAt returns the accept time
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} { return s.done }

// Send queues a serialized event without blocking. It fails with
// ErrConnectionClosed after the session ended and with ErrSendBufferFull
// when the peer is not keeping up.
func (s *Session) Send(msg []byte) error {
	select {
	case <-s.done:
		return apperrors.ErrConnectionClosed
	default:
	}

	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return apperrors.ErrConnectionClosed
	default:
		return apperrors.ErrSendBufferFull
	}
}

// Close ends the session with a normal closure frame
func (s *Session) Close() {
	s.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith ends the session. Only the first call decides the close frame.
func (s *Session) closeWith(code int, text string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeText = text
		close(s.done)
	})
}

// readPump reads commands from the connection and hands them to handle.
// It returns when the peer goes away, the heartbeat times out or the
// session is closed.
func (s *Session) readPump(handle func(*Session, []byte)) {
	defer func() {
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
		s.logger.Error("failed to set read deadline", "error", err)
		return
	}

	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
			s.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			} else {
				s.logger.Debug("websocket read loop ended", "error", err)
			}
			return
		}

		handle(s, message)
	}
}

// writePump writes queued events and heartbeat pings to the connection.
// Events leave in the order they were queued.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Error("failed to set write deadline", "error", err)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
				return
			}

		case <-s.done:
			frame := websocket.FormatCloseMessage(s.closeCode, s.closeText)
			if err := s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Debug("failed to send close message", "error", err)
			}
			return
		}
	}
}
