package http

import (
	"log/slog"
	"net/http"

	"github.com/lorrc/farmlink-realtime/internal/infrastructure/metrics"
)

// MetricsHandler serves the realtime counters in the Prometheus text format
type MetricsHandler struct {
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(collector *metrics.Collector, logger *slog.Logger) *MetricsHandler {
	return &MetricsHandler{collector: collector, logger: logger}
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", metrics.ContentType)
	if err := h.collector.WriteText(w); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write metrics", "error", err)
	}
}
