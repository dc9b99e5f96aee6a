package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	wsAdapter "github.com/lorrc/farmlink-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/farmlink-realtime/internal/auth"
	"github.com/lorrc/farmlink-realtime/internal/config"
	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	"github.com/lorrc/farmlink-realtime/internal/infrastructure/logging"
)

// WebSocketHandler handles WebSocket connection upgrades
type WebSocketHandler struct {
	gateway        *wsAdapter.Gateway
	tm             *auth.TokenManager
	allowAnonymous bool
	upgrader       websocket.Upgrader
	logger         *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	gateway *wsAdapter.Gateway,
	tm *auth.TokenManager,
	cfg *config.Config,
	logger *slog.Logger,
) *WebSocketHandler {
	handler := &WebSocketHandler{
		gateway:        gateway,
		tm:             tm,
		allowAnonymous: cfg.Auth.AllowAnonymous,
		logger:         logger.With("component", "websocket_handler"),
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(cfg *config.Config) func(r *http.Request) bool {
	allowedOrigins := cfg.WebSocket.AllowedOrigins

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if cfg.IsDevelopment() {
			if origin != "" {
				h.logger.Warn("allowing websocket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		if originAllowed(parsedOrigin.Host, allowedOrigins) {
			return true
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// originAllowed matches a host against entries like "app.example.com",
// "*.example.com" or "*".
func originAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		switch {
		case a == "*":
			return true
		case strings.HasPrefix(a, "*."):
			suffix := a[1:] // keep ".example.com"
			if strings.HasSuffix(host, suffix) || host == a[2:] {
				return true
			}
		case host == a:
			return true
		}
	}
	return false
}

// ServeHTTP authenticates the optional ?token= query parameter, upgrades the
// connection and hands it to the gateway.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var meta domain.ConnectionMetadata
	if tokenString := r.URL.Query().Get("token"); tokenString != "" {
		claims, err := h.tm.ValidateToken(tokenString)
		if err != nil {
			h.logger.WarnContext(ctx, "websocket connection rejected: invalid token",
				"remote_addr", r.RemoteAddr,
				"error", err,
			)
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		meta = claims.Metadata()
		ctx = logging.WithUserID(ctx, meta.UserID)
	} else if !h.allowAnonymous {
		h.logger.WarnContext(ctx, "websocket connection rejected: missing token",
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection", "error", err)
		return
	}

	session, err := h.gateway.Accept(conn, meta)
	if err != nil {
		h.logger.WarnContext(ctx, "websocket connection refused", "error", err)
		frame := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	ctx = logging.WithConnectionID(ctx, session.ID())
	h.logger.InfoContext(ctx, "websocket connection established",
		"remote_addr", r.RemoteAddr,
	)
}
