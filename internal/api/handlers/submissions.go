package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/documents"
	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
	"github.com/trimwell/clinic-admin/internal/infrastructure/s3"
	"github.com/trimwell/clinic-admin/internal/observability/metrics"
	"github.com/trimwell/clinic-admin/internal/service"
)

const defaultQueueLimit = 200

// Reviewer is the review workflow behind the submissions screen.
type Reviewer interface {
	Queue(ctx context.Context, statuses []submission.Status, limit int) ([]*submission.Submission, error)
	Get(ctx context.Context, id string) (*submission.Submission, error)
	ChargeAndApprove(ctx context.Context, req service.ApproveRequest) (*service.ApproveResult, error)
	Reject(ctx context.Context, id, actor, reason string) (*submission.Submission, error)
	CheckEligibility(ctx context.Context, id string) (*service.EligibilityResult, error)
}

// DocumentGenerator renders and files clinical PDFs.
type DocumentGenerator interface {
	GeneratePrescription(ctx context.Context, req service.PrescriptionRequest) (*s3.Object, error)
	GenerateProviderNote(ctx context.Context, req service.NoteRequest) (*s3.Object, error)
}

// SubmissionHandler serves the review queue and the per-submission actions.
type SubmissionHandler struct {
	review  Reviewer
	docs    DocumentGenerator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewSubmissionHandler creates a SubmissionHandler. m may be nil.
func NewSubmissionHandler(review Reviewer, docs DocumentGenerator, m *metrics.Metrics, logger *zap.Logger) *SubmissionHandler {
	return &SubmissionHandler{review: review, docs: docs, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *SubmissionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Queue)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/approve", h.Approve)
	r.Post("/{id}/reject", h.Reject)
	r.Post("/{id}/eligibility", h.Eligibility)
	r.Post("/{id}/prescription", h.Prescription)
	r.Post("/{id}/provider-note", h.ProviderNote)
	return r
}

// Queue handles GET /submissions?status=pending,payment_failed&limit=
func (h *SubmissionHandler) Queue(w http.ResponseWriter, r *http.Request) {
	var statuses []submission.Status
	for _, s := range queryList(r, "status") {
		st := submission.Status(strings.ToLower(s))
		switch st {
		case submission.StatusPending, submission.StatusApproved, submission.StatusRejected, submission.StatusPaymentFailed:
			statuses = append(statuses, st)
		default:
			writeError(w, r, h.logger, &record.ValidationError{Field: "status", Message: "unknown status " + s})
			return
		}
	}
	if len(statuses) == 0 {
		statuses = []submission.Status{submission.StatusPending, submission.StatusPaymentFailed}
	}
	limit, err := queryInt(r, "limit", defaultQueueLimit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	subs, err := h.review.Queue(r.Context(), statuses, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if subs == nil {
		subs = []*submission.Submission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs, "count": len(subs)})
}

// Get handles GET /submissions/{id}
func (h *SubmissionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.review.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ApproveBody is the optional body of an approval.
type ApproveBody struct {
	PaymentMethodID string `json:"payment_method_id"`
}

// Approve handles POST /submissions/{id}/approve
func (h *SubmissionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("submission-handler").Start(r.Context(), "charge_and_approve")
	defer span.End()
	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("submission_id", id))

	var body ApproveBody
	if r.ContentLength != 0 {
		if err := decode(w, r, &body); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}

	res, err := h.review.ChargeAndApprove(ctx, service.ApproveRequest{
		SubmissionID:    id,
		ActorID:         actor(r),
		PaymentMethodID: body.PaymentMethodID,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, service.ErrPaymentDeclined) {
			h.metrics.RecordReview(metrics.OutcomeDeclined)
		}
		writeError(w, r, h.logger, err)
		return
	}
	if !res.Replayed {
		h.metrics.RecordReview(metrics.OutcomeApproved)
	}
	span.SetAttributes(attribute.String("payment_intent_id", res.PaymentIntentID))
	writeJSON(w, http.StatusOK, res)
}

// RejectBody is the body of a rejection.
type RejectBody struct {
	Reason string `json:"reason"`
}

// Reject handles POST /submissions/{id}/reject
func (h *SubmissionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var body RejectBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	sub, err := h.review.Reject(r.Context(), chi.URLParam(r, "id"), actor(r), body.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.RecordReview(metrics.OutcomeRejected)
	writeJSON(w, http.StatusOK, sub)
}

// Eligibility handles POST /submissions/{id}/eligibility
func (h *SubmissionHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	res, err := h.review.CheckEligibility(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Prescription handles POST /submissions/{id}/prescription
func (h *SubmissionHandler) Prescription(w http.ResponseWriter, r *http.Request) {
	var req service.PrescriptionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	req.SubmissionID = chi.URLParam(r, "id")
	obj, err := h.docs.GeneratePrescription(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.RecordDocument(string(documents.KindPrescription))
	writeJSON(w, http.StatusCreated, obj)
}

// ProviderNote handles POST /submissions/{id}/provider-note
func (h *SubmissionHandler) ProviderNote(w http.ResponseWriter, r *http.Request) {
	var req service.NoteRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	req.SubmissionID = chi.URLParam(r, "id")
	obj, err := h.docs.GenerateProviderNote(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.RecordDocument(string(documents.KindProviderNote))
	writeJSON(w, http.StatusCreated, obj)
}
