package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/staff"
)

// StaffRepository is provider_profiles plus user_roles.
type StaffRepository interface {
	ListMembers(ctx context.Context) ([]*staff.Member, error)
	CreateProvider(ctx context.Context, p *staff.Provider) error
	Grant(ctx context.Context, userID, role, grantedBy string) error
	Revoke(ctx context.Context, userID, role string) error
}

// StaffHandler manages providers and role grants. Mounted behind the admin
// role.
type StaffHandler struct {
	staff  StaffRepository
	logger *zap.Logger
}

// NewStaffHandler creates a StaffHandler.
func NewStaffHandler(repo StaffRepository, logger *zap.Logger) *StaffHandler {
	return &StaffHandler{staff: repo, logger: logger}
}

// Routes returns the handler routes
func (h *StaffHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/{userID}/roles", h.Grant)
	r.Delete("/{userID}/roles/{role}", h.Revoke)
	return r
}

// List handles GET /staff
func (h *StaffHandler) List(w http.ResponseWriter, r *http.Request) {
	members, err := h.staff.ListMembers(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if members == nil {
		members = []*staff.Member{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"staff": members, "count": len(members)})
}

// Create handles POST /staff
func (h *StaffHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p staff.Provider
	if err := decode(w, r, &p); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.staff.CreateProvider(r.Context(), &p); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, &p)
}

// RoleBody is the body of a role grant.
type RoleBody struct {
	Role string `json:"role"`
}

func parseRole(raw string) (string, error) {
	role := strings.ToLower(strings.TrimSpace(raw))
	if !staff.KnownRole(role) {
		return "", &record.ValidationError{Field: "role", Message: "must be admin, provider or staff"}
	}
	return role, nil
}

// Grant handles POST /staff/{userID}/roles
func (h *StaffHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var body RoleBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	role, err := parseRole(body.Role)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := h.staff.Grant(r.Context(), userID, role, actor(r)); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("role granted", zap.String("target_user_id", userID), zap.String("role", role), zap.String("user_id", actor(r)))
	w.WriteHeader(http.StatusNoContent)
}

// Revoke handles DELETE /staff/{userID}/roles/{role}. Admins cannot drop
// their own admin role.
func (h *StaffHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	role, err := parseRole(chi.URLParam(r, "role"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	userID := chi.URLParam(r, "userID")
	if userID == actor(r) && role == staff.RoleAdmin {
		writeError(w, r, h.logger, &record.ValidationError{Field: "role", Message: "cannot revoke your own admin role"})
		return
	}
	if err := h.staff.Revoke(r.Context(), userID, role); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("role revoked", zap.String("target_user_id", userID), zap.String("role", role), zap.String("user_id", actor(r)))
	w.WriteHeader(http.StatusNoContent)
}
