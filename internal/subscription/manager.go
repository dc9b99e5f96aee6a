// Package subscription is the client side of the realtime protocol. A
// Manager owns one websocket connection, re-joins its declared rooms on
// every (re)connect and keeps an ordered log of received events.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lorrc/farmlink-realtime/internal/backoff"
	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
	"github.com/lorrc/farmlink-realtime/internal/infrastructure/logging"
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrReconnectExhausted is reported through OnError when the backoff
	// budget is used up. It wraps the last transport error.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrServer wraps error events sent by the gateway.
	ErrServer = errors.New("server error")
)

// DialFunc opens the websocket connection.
type DialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

// Config configures a Manager.
type Config struct {
	// URL of the gateway websocket endpoint.
	URL string

	// Token is sent as the token query parameter when set.
	Token string

	// Rooms to join on every (re)connect.
	Rooms []string

	// Subscribe limits which event types are logged and passed to
	// callbacks. Empty means every non-control event.
	Subscribe []domain.EventType

	// Enabled starts the connection at construction time when Rooms is
	// not empty.
	Enabled bool

	// Backoff controls reconnect delays and the attempt budget.
	Backoff backoff.Policy

	// LogLimit bounds the event log; the oldest entries are evicted first.
	// Zero means unbounded.
	LogLimit int

	// HeartbeatTimeout closes the connection when nothing, not even a
	// ping, arrives for this long. Zero disables the check.
	HeartbeatTimeout time.Duration

	// WriteWait bounds each outbound write.
	WriteWait time.Duration

	// Dial overrides how connections are opened.
	Dial DialFunc

	Logger *slog.Logger
}

// Callbacks are invoked synchronously from the receive loop, in event
// order. They must not block. Panics are recovered and logged.
type Callbacks struct {
	// OnUpdate receives every subscribed event except order-status-change
	// when OnStatusChange is set.
	OnUpdate func(domain.Event)

	// OnStatusChange receives order-status-change events.
	OnStatusChange func(domain.Event)

	// OnError receives transport errors, server error events and the
	// final error once reconnects are exhausted. It is informational.
	OnError func(error)

	// OnStateChange receives every state transition.
	OnStateChange func(State)
}

// Manager is a reconnecting room subscription over one websocket.
type Manager struct {
	cfg    Config
	cb     Callbacks
	filter map[domain.EventType]struct{}
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	desired   []string
	joined    map[string]struct{} // acknowledged by the server
	requested map[string]struct{} // join sent on the current connection
	log       []domain.Event
	conn      *websocket.Conn
	lastErr   error
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}

	// writeMu serializes data frame writes on conn
	writeMu sync.Mutex
}

// New creates a Manager. With Enabled set and at least one room it starts
// connecting immediately; otherwise it stays DISCONNECTED until Reconnect
// or SetRooms is called.
func New(cfg Config, cb Callbacks) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.DefaultPolicy
	}

	m := &Manager{
		cfg:       cfg,
		cb:        cb,
		logger:    cfg.Logger.With("component", "subscription_manager"),
		state:     StateDisconnected,
		desired:   dedupe(cfg.Rooms),
		joined:    make(map[string]struct{}),
		requested: make(map[string]struct{}),
	}

	if len(cfg.Subscribe) > 0 {
		m.filter = make(map[domain.EventType]struct{}, len(cfg.Subscribe))
		for _, t := range cfg.Subscribe {
			m.filter[t] = struct{}{}
		}
	}

	if cfg.Enabled && len(m.desired) > 0 {
		m.mu.Lock()
		m.startLocked()
		m.mu.Unlock()
	}
	return m
}

// --- Accessors ---

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events returns a copy of the event log, oldest first
func (m *Manager) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Event, len(m.log))
	copy(out, m.log)
	return out
}

// Latest returns the most recent logged event
func (m *Manager) Latest() (domain.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.log) == 0 {
		return domain.Event{}, false
	}
	return m.log[len(m.log)-1], true
}

// Rooms returns the declared rooms
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.desired...)
}

// JoinedRooms returns the rooms the server acknowledged on the current
// connection
func (m *Manager) JoinedRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return keys(m.joined)
}

// LastError returns the error that caused the most recent disconnect
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// --- Control ---

// Reconnect starts a fresh connection cycle with a full backoff budget. It
// is a no-op while a cycle is already running.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return apperrors.ErrConnectionClosed
	}
	if m.runningLocked() {
		return nil
	}
	m.startLocked()
	return nil
}

// SetRooms replaces the declared rooms. When connected, added rooms are
// joined and removed rooms are left right away.
func (m *Manager) SetRooms(rooms []string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.ErrConnectionClosed
	}

	m.desired = dedupe(rooms)
	conn := m.conn

	var join, leave []string
	if conn != nil {
		want := make(map[string]struct{}, len(m.desired))
		for _, room := range m.desired {
			want[room] = struct{}{}
			if _, ok := m.requested[room]; !ok {
				join = append(join, room)
				m.requested[room] = struct{}{}
			}
		}
		for room := range m.requested {
			if _, ok := want[room]; !ok {
				leave = append(leave, room)
				delete(m.requested, room)
			}
		}
	} else if m.cfg.Enabled && len(m.desired) > 0 && !m.runningLocked() {
		m.startLocked()
	}
	m.mu.Unlock()

	for _, room := range join {
		if err := m.writeCommand(conn, domain.CommandJoinRoom, room); err != nil {
			return err
		}
	}
	for _, room := range leave {
		if err := m.writeCommand(conn, domain.CommandLeaveRoom, room); err != nil {
			return err
		}
	}
	return nil
}

// Close leaves every room joined on the current connection, closes the
// transport and stops any pending reconnect. It is safe to call more than
// once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	rooms := keys(m.requested)
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if conn != nil {
		for _, room := range rooms {
			if err := m.writeCommand(conn, domain.CommandLeaveRoom, room); err != nil {
				m.logger.Debug("failed to leave room on close", "room", room, "error", err)
				break
			}
		}
		frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(m.cfg.WriteWait))
	}

	if cancel != nil {
		cancel()
		<-done
	}

	m.setState(StateDisconnected)
	return nil
}

func (m *Manager) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go m.run(ctx, done)
}

// --- Connection loop ---

// run dials, serves and reconnects with backoff until the budget is used
// up or ctx is cancelled.
func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.setState(StateConnecting)

	attempt := 0
	for {
		conn, err := m.cfg.Dial(ctx, m.dialURL(), nil)
		if err == nil {
			var proven bool
			proven, err = m.serve(ctx, conn)
			// A server that upgrades and hangs up at once must not refill
			// the budget.
			if proven {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("connection lost", "error", err, "attempt", attempt)
		m.emitError(err)

		if m.cfg.Backoff.Exhausted(attempt) {
			m.setState(StateDisconnected)
			m.emitError(fmt.Errorf("%w: %w", ErrReconnectExhausted, err))
			return
		}

		m.setState(StateReconnecting)
		delay := m.cfg.Backoff.Delay(attempt)
		m.logger.Debug("scheduling reconnect", "delay", delay.String(), "attempt", attempt+1)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return
		}
		attempt++
	}
}

// serve joins every declared room and reads events until the transport
// fails or ctx is cancelled. proven reports whether the connection was
// healthy: the server acknowledged a join or it stayed up for Backoff.Max.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) (proven bool, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return false, apperrors.ErrConnectionClosed
	}
	m.conn = conn
	m.joined = make(map[string]struct{})
	m.requested = make(map[string]struct{}, len(m.desired))
	rooms := append([]string(nil), m.desired...)
	for _, room := range rooms {
		m.requested[room] = struct{}{}
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.joined = make(map[string]struct{})
		m.requested = make(map[string]struct{})
		m.mu.Unlock()
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	connectedAt := time.Now()
	defer func() {
		if time.Since(connectedAt) >= m.cfg.Backoff.Max {
			proven = true
		}
	}()

	m.setState(StateConnected)

	// Join is idempotent on the server, so the full set is re-sent.
	for _, room := range rooms {
		if err := m.writeCommand(conn, domain.CommandJoinRoom, room); err != nil {
			return false, err
		}
	}

	if timeout := m.cfg.HeartbeatTimeout; timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return false, err
		}
		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
			err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(m.cfg.WriteWait))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return proven, err
		}
		if timeout := m.cfg.HeartbeatTimeout; timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}

		var ev domain.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			m.logger.Warn("failed to decode event", "error", err)
			continue
		}
		if ev.Type == domain.EventRoomJoined {
			proven = true
		}
		m.handleEvent(ev)
	}
}

func (m *Manager) handleEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventRoomJoined:
		if ack, ok := ev.Payload.(domain.RoomAck); ok {
			m.mu.Lock()
			m.joined[ack.Room] = struct{}{}
			m.mu.Unlock()
		}
		return

	case domain.EventRoomLeft:
		if ack, ok := ev.Payload.(domain.RoomAck); ok {
			m.mu.Lock()
			delete(m.joined, ack.Room)
			m.mu.Unlock()
		}
		return

	case domain.EventError:
		msg := ""
		if e, ok := ev.Payload.(domain.ErrorMessage); ok {
			msg = e.Message
		}
		m.emitError(fmt.Errorf("%w: %s", ErrServer, msg))
		return
	}

	if m.filter != nil {
		if _, ok := m.filter[ev.Type]; !ok {
			return
		}
	}

	m.mu.Lock()
	m.log = append(m.log, ev)
	if limit := m.cfg.LogLimit; limit > 0 && len(m.log) > limit {
		m.log = append([]domain.Event(nil), m.log[len(m.log)-limit:]...)
	}
	m.mu.Unlock()

	if ev.Type == domain.EventOrderStatusChange && m.cb.OnStatusChange != nil {
		m.invoke("on_status_change", func() { m.cb.OnStatusChange(ev) })
		return
	}
	if m.cb.OnUpdate != nil {
		m.invoke("on_update", func() { m.cb.OnUpdate(ev) })
	}
}

// --- Helpers ---

func (m *Manager) writeCommand(conn *websocket.Conn, cmdType domain.CommandType, room string) error {
	data, err := json.Marshal(domain.NewRoomCommand(cmdType, room))
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.logger.Debug("state changed", "state", s.String())
	if m.cb.OnStateChange != nil {
		m.invoke("on_state_change", func() { m.cb.OnStateChange(s) })
	}
}

func (m *Manager) emitError(err error) {
	if err == nil || m.cb.OnError == nil {
		return
	}
	m.invoke("on_error", func() { m.cb.OnError(err) })
}

// invoke runs a caller callback and contains any panic it raises.
func (m *Manager) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(m.logger.With("callback", name), r)
		}
	}()
	fn()
}

func (m *Manager) dialURL() string {
	if m.cfg.Token == "" {
		return m.cfg.URL
	}
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}
	q := u.Query()
	q.Set("token", m.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

func defaultDial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

func dedupe(rooms []string) []string {
	seen := make(map[string]struct{}, len(rooms))
	out := make([]string, 0, len(rooms))
	for _, room := range rooms {
		if room == "" {
			continue
		}
		if _, ok := seen[room]; ok {
			continue
		}
		seen[room] = struct{}{}
		out = append(out, room)
	}
	return out
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
