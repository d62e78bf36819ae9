package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/api/middleware"
	"github.com/trimwell/clinic-admin/internal/domain/coupon"
	"github.com/trimwell/clinic-admin/internal/domain/staff"
)

// CouponRepository is the coupon table.
type CouponRepository interface {
	List(ctx context.Context) ([]*coupon.Coupon, error)
	Get(ctx context.Context, id string) (*coupon.Coupon, error)
	Create(ctx context.Context, c *coupon.Coupon) error
	Save(ctx context.Context, c *coupon.Coupon) error
	Deactivate(ctx context.Context, id string) error
}

// CouponHandler manages discount codes. Writes require the admin role.
type CouponHandler struct {
	coupons CouponRepository
	logger  *zap.Logger
}

// NewCouponHandler creates a CouponHandler.
func NewCouponHandler(coupons CouponRepository, logger *zap.Logger) *CouponHandler {
	return &CouponHandler{coupons: coupons, logger: logger}
}

// Routes returns the handler routes
func (h *CouponHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(staff.RoleAdmin))
		r.Post("/", h.Create)
		r.Patch("/{id}", h.Update)
		r.Delete("/{id}", h.Deactivate)
	})
	return r
}

// List handles GET /coupons
func (h *CouponHandler) List(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.coupons.List(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if coupons == nil {
		coupons = []*coupon.Coupon{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"coupons": coupons, "count": len(coupons)})
}

// Create handles POST /coupons. New coupons start active and unredeemed.
func (h *CouponHandler) Create(w http.ResponseWriter, r *http.Request) {
	var c coupon.Coupon
	if err := decode(w, r, &c); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	c.ID = ""
	c.TimesRedeemed = 0
	c.Active = true
	if err := c.Validate(); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.coupons.Create(r.Context(), &c); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("coupon created", zap.String("code", c.Code), zap.String("user_id", actor(r)))
	writeJSON(w, http.StatusCreated, &c)
}

// Update handles PATCH /coupons/{id}
func (h *CouponHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch coupon.Patch
	if err := decode(w, r, &patch); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	c, err := h.coupons.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := patch.Apply(c); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	c.UpdatedAt = time.Now().UTC()
	if err := h.coupons.Save(r.Context(), c); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Deactivate handles DELETE /coupons/{id}. Rows are kept for billing history.
func (h *CouponHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.coupons.Deactivate(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("coupon deactivated", zap.String("coupon_id", id), zap.String("user_id", actor(r)))
	w.WriteHeader(http.StatusNoContent)
}
