package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/notify"
	"github.com/trimwell/clinic-admin/internal/observability/metrics"
)

// EmailSender sends a rendered request immediately.
type EmailSender interface {
	Send(ctx context.Context, req *notify.EmailRequested) error
}

// NotificationHandler sends transactional email directly, bypassing the queue.
type NotificationHandler struct {
	sender  EmailSender
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewNotificationHandler creates a NotificationHandler. m may be nil.
func NewNotificationHandler(sender EmailSender, m *metrics.Metrics, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{sender: sender, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/email", h.SendEmail)
	return r
}

// EmailBody is the body of a direct send.
type EmailBody struct {
	Kind    notify.Kind     `json:"kind"`
	ToEmail string          `json:"to_email"`
	ToName  string          `json:"to_name"`
	Data    json.RawMessage `json:"data"`
}

// SendEmail handles POST /notifications/email
func (h *NotificationHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var body EmailBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !strings.Contains(body.ToEmail, "@") {
		writeError(w, r, h.logger, &record.ValidationError{Field: "to_email", Message: "must be a valid address"})
		return
	}
	data := body.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	req, err := notify.NewRequest(body.Kind, body.ToEmail, body.ToName, data)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.sender.Send(r.Context(), req); err != nil {
		h.metrics.RecordEmail(string(req.Kind), metrics.OutcomeFailed)
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.RecordEmail(string(req.Kind), metrics.OutcomeSent)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": req.ID, "status": "sent"})
}
