package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"zec-relay/internal/health"
)

// HealthHandler serves liveness and the metrics snapshot.
type HealthHandler struct {
	metrics *health.Metrics
	logger  zerolog.Logger
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(metrics *health.Metrics, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{metrics: metrics, logger: logger}
}

// Get handles GET /api/health.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}, h.logger)
}

// GetMetrics handles GET /api/health/metrics.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot(), h.logger)
}
