package http

import (
	"encoding/json"
	"net/http"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
)

// SuccessResponse wraps a successful response
type SuccessResponse struct {
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// AcceptedResponse acknowledges an emission. Delivery is best effort, so
// it only says which event was queued for which room.
type AcceptedResponse struct {
	Status string           `json:"status"`
	Event  domain.EventType `json:"event"`
	Room   string           `json:"room,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The header is already sent, so an encode error cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes a success response
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, SuccessResponse{Data: data})
}

// WriteAccepted writes a 202 response for an emitted event
func WriteAccepted(w http.ResponseWriter, event domain.EventType, room string) {
	WriteJSON(w, http.StatusAccepted, AcceptedResponse{
		Status: "accepted",
		Event:  event,
		Room:   room,
	})
}
