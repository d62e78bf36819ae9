// Package api assembles the admin API router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/api/handlers"
	"github.com/trimwell/clinic-admin/internal/api/middleware"
	"github.com/trimwell/clinic-admin/internal/domain/staff"
	"github.com/trimwell/clinic-admin/internal/observability/metrics"
)

// Handlers are the mounted screens and functions.
type Handlers struct {
	Patients      *handlers.PatientHandler
	Submissions   *handlers.SubmissionHandler
	Orders        *handlers.OrderHandler
	Coupons       *handlers.CouponHandler
	Staff         *handlers.StaffHandler
	Analytics     *handlers.AnalyticsHandler
	Surveys       *handlers.SurveyHandler
	Payments      *handlers.PaymentHandler
	Notifications *handlers.NotificationHandler
	Health        *handlers.HealthHandler
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	ServiceName string
	Auth        middleware.AuthConfig
	// AdminRoles may use the admin API at all.
	AdminRoles  []string
	CORSOrigins []string
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// NewRouter builds the admin API. Health and metrics are unauthenticated;
// everything under /api/v1 requires a bearer token and one of AdminRoles.
func NewRouter(cfg RouterConfig, h Handlers) http.Handler {
	if len(cfg.AdminRoles) == 0 {
		cfg.AdminRoles = []string{staff.RoleAdmin, staff.RoleProvider, staff.RoleStaff}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(cfg.Metrics.Middleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	if h.Health != nil {
		r.Get("/health", h.Health.Ready)
		r.Get("/health/live", h.Health.Live)
	}
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(cfg.Auth, cfg.Logger))
		r.Use(middleware.RequireRole(cfg.AdminRoles...))

		mount(r, "/patients", h.Patients)
		mount(r, "/submissions", h.Submissions)
		mount(r, "/orders", h.Orders)
		mount(r, "/coupons", h.Coupons)
		mount(r, "/analytics", h.Analytics)
		mount(r, "/surveys", h.Surveys)
		mount(r, "/payments", h.Payments)
		mount(r, "/notifications", h.Notifications)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(staff.RoleAdmin))
			mount(r, "/staff", h.Staff)
		})
	})
	return r
}

type routable interface {
	Routes() chi.Router
}

// mount skips handlers left nil so binaries and tests can serve a subset.
func mount[T interface {
	routable
	comparable
}](r chi.Router, pattern string, h T) {
	var zero T
	if h == zero {
		return
	}
	r.Mount(pattern, h.Routes())
}
