package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/api/middleware"
	"github.com/trimwell/clinic-admin/internal/domain/billing"
	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/staff"
	"github.com/trimwell/clinic-admin/internal/observability/metrics"
	"github.com/trimwell/clinic-admin/internal/service"
)

const maxReminderDays = 60

// Subscriptions reports on recurring billing.
type Subscriptions interface {
	Analytics(ctx context.Context) (*billing.Analytics, error)
	SendReminders(ctx context.Context, days int) (*service.ReminderReport, error)
}

// AnalyticsHandler serves subscriber analytics and renewal reminders.
type AnalyticsHandler struct {
	subs    Subscriptions
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAnalyticsHandler creates an AnalyticsHandler. m may be nil.
func NewAnalyticsHandler(subs Subscriptions, m *metrics.Metrics, logger *zap.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{subs: subs, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *AnalyticsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/subscribers", h.Subscribers)
	r.With(middleware.RequireRole(staff.RoleAdmin)).Post("/reminders", h.Reminders)
	return r
}

// Subscribers handles GET /analytics/subscribers
func (h *AnalyticsHandler) Subscribers(w http.ResponseWriter, r *http.Request) {
	a, err := h.subs.Analytics(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.SetSubscriptions(a.MRRCents, a.ActiveSubscribers)
	writeJSON(w, http.StatusOK, a)
}

// Reminders handles POST /analytics/reminders?days=7
func (h *AnalyticsHandler) Reminders(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 7)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if days == 0 || days > maxReminderDays {
		writeError(w, r, h.logger, &record.ValidationError{Field: "days", Message: "must be between 1 and 60"})
		return
	}
	report, err := h.subs.SendReminders(r.Context(), days)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
