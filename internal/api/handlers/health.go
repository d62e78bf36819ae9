package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/trimwell/clinic-admin/internal/observability/metrics"
	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
)

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports database reachability and breaker states.
type HealthHandler struct {
	db       Pinger
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
}

// NewHealthHandler creates a HealthHandler. m may be nil.
func NewHealthHandler(db Pinger, breakers *circuitbreaker.Manager, m *metrics.Metrics) *HealthHandler {
	return &HealthHandler{db: db, breakers: breakers, metrics: m}
}

// Live handles GET /health/live
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health. The service is unready when the database is
// unreachable and degraded while any breaker is not closed.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	dbStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		status, code, dbStatus = "unavailable", http.StatusServiceUnavailable, err.Error()
	}

	breakers := h.breakers.Snapshot()
	h.metrics.ObserveBreakers(breakers)
	for _, b := range breakers {
		if !b.Healthy && code == http.StatusOK {
			status = "degraded"
		}
	}

	writeJSON(w, code, map[string]any{
		"status":   status,
		"database": dbStatus,
		"breakers": breakers,
	})
}
