package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/domain/order"
	"github.com/trimwell/clinic-admin/internal/domain/record"
)

// Fulfillment is the order screen's view of the service layer.
type Fulfillment interface {
	List(ctx context.Context, status order.Status) ([]*order.Order, error)
	UpdateTracking(ctx context.Context, id, carrier, number string) (*order.Order, error)
	MarkFulfilled(ctx context.Context, id string) (*order.Order, error)
}

// OrderHandler serves order fulfillment.
type OrderHandler struct {
	orders Fulfillment
	logger *zap.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders Fulfillment, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger}
}

// Routes returns the handler routes
func (h *OrderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Put("/{id}/tracking", h.Tracking)
	r.Post("/{id}/fulfill", h.Fulfill)
	return r
}

// List handles GET /orders?status=
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	status := order.Status(strings.ToLower(r.URL.Query().Get("status")))
	switch status {
	case "", order.StatusPending, order.StatusProcessing, order.StatusShipped, order.StatusFulfilled, order.StatusCanceled:
	default:
		writeError(w, r, h.logger, &record.ValidationError{Field: "status", Message: "unknown status " + string(status)})
		return
	}
	orders, err := h.orders.List(r.Context(), status)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "count": len(orders)})
}

// TrackingBody is the body of a tracking update.
type TrackingBody struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

// Tracking handles PUT /orders/{id}/tracking
func (h *OrderHandler) Tracking(w http.ResponseWriter, r *http.Request) {
	var body TrackingBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	o, err := h.orders.UpdateTracking(r.Context(), chi.URLParam(r, "id"), body.Carrier, body.TrackingNumber)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Fulfill handles POST /orders/{id}/fulfill
func (h *OrderHandler) Fulfill(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.MarkFulfilled(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
