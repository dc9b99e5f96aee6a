package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lorrc/farmlink-realtime/internal/adapters/primary/validation"
	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	"github.com/lorrc/farmlink-realtime/internal/core/ports"
)

const (
	maxStatusLength  = 64
	maxMessageLength = 2048
	maxTitleLength   = 256
	maxEventLength   = 128
)

// EmitHandler exposes the event broadcaster to other services over HTTP
type EmitHandler struct {
	broadcaster  ports.EventBroadcaster
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewEmitHandler creates a new emit handler
func NewEmitHandler(broadcaster ports.EventBroadcaster, errorHandler *ErrorHandler, logger *slog.Logger) *EmitHandler {
	return &EmitHandler{
		broadcaster:  broadcaster,
		errorHandler: errorHandler,
		logger:       logger.With("component", "emit_handler"),
	}
}

// RegisterRoutes mounts the emit endpoints
func (h *EmitHandler) RegisterRoutes(r chi.Router) {
	r.Post("/orders/{orderID}", h.HandleOrder)
	r.Post("/farms/{farmID}", h.HandleFarm)
	r.Post("/users/{userID}/notifications", h.HandleNotification)
	r.Post("/broadcast", h.HandleBroadcast)
}

// --- DTOs ---

type orderEmitRequest struct {
	Status       string         `json:"status"`
	Message      string         `json:"message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	StatusChange bool           `json:"statusChange,omitempty"`
}

type farmEmitRequest struct {
	UpdateType string         `json:"updateType"`
	Data       map[string]any `json:"data"`
}

type notificationEmitRequest struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type broadcastEmitRequest struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// --- Handlers ---

// HandleOrder emits order-update, or order-status-change when statusChange
// is set, to order:<orderID>.
func (h *EmitHandler) HandleOrder(w http.ResponseWriter, r *http.Request) {
	orderID := pathParam(r, "orderID")

	req, err := validation.DecodeJSON[orderEmitRequest](w, r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	v := validation.NewValidator().
		EntityID("orderId", orderID).
		Required("status", req.Status).
		MaxLength("status", req.Status, maxStatusLength).
		MaxLength("message", req.Message, maxMessageLength)
	if v.HasErrors() {
		h.errorHandler.Handle(w, r, v.Errors())
		return
	}

	update := domain.OrderUpdate{
		Status:   req.Status,
		Message:  req.Message,
		Metadata: req.Metadata,
	}

	eventType := domain.EventOrderUpdate
	if req.StatusChange {
		eventType = domain.EventOrderStatusChange
		h.broadcaster.EmitOrderStatusChange(r.Context(), orderID, update)
	} else {
		h.broadcaster.EmitOrderUpdate(r.Context(), orderID, update)
	}

	WriteAccepted(w, eventType, domain.OrderRoom(orderID))
}

// HandleFarm emits farm-update to farm:<farmID>
func (h *EmitHandler) HandleFarm(w http.ResponseWriter, r *http.Request) {
	farmID := pathParam(r, "farmID")

	req, err := validation.DecodeJSON[farmEmitRequest](w, r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	v := validation.NewValidator().
		EntityID("farmId", farmID).
		Required("updateType", req.UpdateType).
		OneOf("updateType", req.UpdateType, []string{
			string(domain.FarmUpdateProfile),
			string(domain.FarmUpdateProduct),
			string(domain.FarmUpdateStatus),
		})
	if v.HasErrors() {
		h.errorHandler.Handle(w, r, v.Errors())
		return
	}

	h.broadcaster.EmitFarmUpdate(r.Context(), farmID, domain.FarmUpdate{
		UpdateType: domain.FarmUpdateType(req.UpdateType),
		Data:       req.Data,
	})

	WriteAccepted(w, domain.EventFarmUpdate, domain.FarmRoom(farmID))
}

// HandleNotification emits a notification to user:<userID>
func (h *EmitHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "userID")

	req, err := validation.DecodeJSON[notificationEmitRequest](w, r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	v := validation.NewValidator().
		EntityID("userId", userID).
		Required("type", req.Type).
		Required("title", req.Title).
		MaxLength("title", req.Title, maxTitleLength).
		Required("message", req.Message).
		MaxLength("message", req.Message, maxMessageLength)
	if v.HasErrors() {
		h.errorHandler.Handle(w, r, v.Errors())
		return
	}

	h.broadcaster.EmitNotification(r.Context(), userID, domain.Notification{
		ID:       req.ID,
		Type:     req.Type,
		Title:    req.Title,
		Message:  req.Message,
		Metadata: req.Metadata,
	})

	WriteAccepted(w, domain.EventNotification, domain.UserRoom(userID))
}

// HandleBroadcast emits a broadcast event to every connection
func (h *EmitHandler) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeJSON[broadcastEmitRequest](w, r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	v := validation.NewValidator().
		Required("event", req.Event).
		MaxLength("event", req.Event, maxEventLength)
	if v.HasErrors() {
		h.errorHandler.Handle(w, r, v.Errors())
		return
	}

	h.broadcaster.BroadcastAll(r.Context(), req.Event, req.Data)

	WriteAccepted(w, domain.EventBroadcast, "")
}
