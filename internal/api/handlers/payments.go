package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/domain/patient"
	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
	"github.com/trimwell/clinic-admin/internal/infrastructure/stripe"
	"github.com/trimwell/clinic-admin/internal/service"
)

// PaymentFunctions are the payment operations exposed to the portal.
type PaymentFunctions interface {
	EnsureCustomer(ctx context.Context, patientID string) (*patient.Profile, string, error)
	Subscribe(ctx context.Context, req service.SubscribeRequest) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	ChangePlan(ctx context.Context, subscriptionID string, category submission.Category) (*stripe.Subscription, error)
	ApplyCoupon(ctx context.Context, subscriptionID, code string) (*stripe.Subscription, error)
	CreatePaymentIntent(ctx context.Context, req service.PaymentIntentRequest) (*stripe.PaymentIntent, error)
	CreateSetupIntent(ctx context.Context, patientID string) (*stripe.SetupIntent, error)
	TestPaymentMethod(ctx context.Context, patientID, paymentMethodID string) (*stripe.PaymentMethodCheck, error)
}

// PaymentHandler serves the payment functions.
type PaymentHandler struct {
	payments PaymentFunctions
	logger   *zap.Logger
}

// NewPaymentHandler creates a PaymentHandler.
func NewPaymentHandler(payments PaymentFunctions, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, logger: logger}
}

// Routes returns the handler routes
func (h *PaymentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/customers", h.CreateCustomer)
	r.Post("/subscriptions", h.Subscribe)
	r.Delete("/subscriptions/{id}", h.Cancel)
	r.Put("/subscriptions/{id}/plan", h.ChangePlan)
	r.Post("/subscriptions/{id}/coupon", h.ApplyCoupon)
	r.Post("/payment-intents", h.PaymentIntent)
	r.Post("/setup-intents", h.SetupIntent)
	r.Post("/payment-methods/test", h.TestPaymentMethod)
	return r
}

// PatientBody names the patient a payment call is for.
type PatientBody struct {
	PatientID       string `json:"patient_id"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
}

func (b *PatientBody) validate() error {
	if strings.TrimSpace(b.PatientID) == "" {
		return &record.ValidationError{Field: "patient_id", Message: "is required"}
	}
	return nil
}

func (h *PaymentHandler) patientBody(w http.ResponseWriter, r *http.Request) (*PatientBody, bool) {
	var body PatientBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return nil, false
	}
	if err := body.validate(); err != nil {
		writeError(w, r, h.logger, err)
		return nil, false
	}
	return &body, true
}

// CreateCustomer handles POST /payments/customers
func (h *PaymentHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	body, ok := h.patientBody(w, r)
	if !ok {
		return
	}
	p, customerID, err := h.payments.EnsureCustomer(r.Context(), body.PatientID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"patient_id": p.ID, "customer_id": customerID})
}

// Subscribe handles POST /payments/subscriptions
func (h *PaymentHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("payment-handler").Start(r.Context(), "subscribe")
	defer span.End()

	var req service.SubscribeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.PatientID) == "" {
		writeError(w, r, h.logger, &record.ValidationError{Field: "patient_id", Message: "is required"})
		return
	}
	if req.Category == "" {
		writeError(w, r, h.logger, &record.ValidationError{Field: "category", Message: "is required"})
		return
	}
	span.SetAttributes(attribute.String("patient_id", req.PatientID), attribute.String("category", string(req.Category)))

	sub, err := h.payments.Subscribe(ctx, req)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// Cancel handles DELETE /payments/subscriptions/{id}
func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sub, err := h.payments.CancelSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// PlanBody selects the new plan.
type PlanBody struct {
	Category submission.Category `json:"category"`
}

// ChangePlan handles PUT /payments/subscriptions/{id}/plan
func (h *PaymentHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	var body PlanBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if body.Category == "" {
		writeError(w, r, h.logger, &record.ValidationError{Field: "category", Message: "is required"})
		return
	}
	sub, err := h.payments.ChangePlan(r.Context(), chi.URLParam(r, "id"), body.Category)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// CouponBody carries a discount code.
type CouponBody struct {
	Code string `json:"code"`
}

// ApplyCoupon handles POST /payments/subscriptions/{id}/coupon
func (h *PaymentHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var body CouponBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	sub, err := h.payments.ApplyCoupon(r.Context(), chi.URLParam(r, "id"), body.Code)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// PaymentIntent handles POST /payments/payment-intents
func (h *PaymentHandler) PaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req service.PaymentIntentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	pi, err := h.payments.CreatePaymentIntent(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, pi)
}

// SetupIntent handles POST /payments/setup-intents
func (h *PaymentHandler) SetupIntent(w http.ResponseWriter, r *http.Request) {
	body, ok := h.patientBody(w, r)
	if !ok {
		return
	}
	si, err := h.payments.CreateSetupIntent(r.Context(), body.PatientID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, si)
}

// TestPaymentMethod handles POST /payments/payment-methods/test. A declined
// card is reported as valid=false rather than an error.
func (h *PaymentHandler) TestPaymentMethod(w http.ResponseWriter, r *http.Request) {
	body, ok := h.patientBody(w, r)
	if !ok {
		return
	}
	check, err := h.payments.TestPaymentMethod(r.Context(), body.PatientID, body.PaymentMethodID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}
