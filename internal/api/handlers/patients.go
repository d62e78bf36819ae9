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
	"github.com/trimwell/clinic-admin/internal/service"
)

// PatientDirectory is the patient screen's view of the service layer.
type PatientDirectory interface {
	List(ctx context.Context, q service.DirectoryQuery) ([]*patient.Profile, error)
	Dossier(ctx context.Context, id string) (*patient.Dossier, error)
	Update(ctx context.Context, id string, u *patient.Update) (*patient.Profile, error)
}

// PatientHandler serves the patient directory and dossier.
type PatientHandler struct {
	patients PatientDirectory
	logger   *zap.Logger
}

// NewPatientHandler creates a PatientHandler.
func NewPatientHandler(patients PatientDirectory, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{patients: patients, logger: logger}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	return r
}

// List handles GET /patients?search=&sort=name|created|bmi&order=asc|desc
func (h *PatientHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := service.DirectoryQuery{
		Search: q.Get("search"),
		Sort:   patient.SortField(strings.ToLower(q.Get("sort"))),
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "asc":
	case "desc":
		query.Desc = true
	default:
		writeError(w, r, h.logger, &record.ValidationError{Field: "order", Message: "must be asc or desc"})
		return
	}
	switch query.Sort {
	case "", patient.SortByName, patient.SortByCreated, patient.SortByBMI:
	default:
		writeError(w, r, h.logger, &record.ValidationError{Field: "sort", Message: "must be name, created or bmi"})
		return
	}

	profiles, err := h.patients.List(r.Context(), query)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": profiles, "count": len(profiles)})
}

// Get handles GET /patients/{id}
func (h *PatientHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("patient-handler").Start(r.Context(), "patient_dossier")
	defer span.End()
	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("patient_id", id))

	dossier, err := h.patients.Dossier(ctx, id)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dossier)
}

// Update handles PATCH /patients/{id}
func (h *PatientHandler) Update(w http.ResponseWriter, r *http.Request) {
	var u patient.Update
	if err := decode(w, r, &u); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	p, err := h.patients.Update(r.Context(), chi.URLParam(r, "id"), &u)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("profile updated", zap.String("patient_id", p.ID), zap.String("user_id", actor(r)))
	writeJSON(w, http.StatusOK, p)
}
