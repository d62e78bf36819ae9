package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/domain/survey"
)

// SurveyRepository reads questionnaire responses.
type SurveyRepository interface {
	Questionnaires(ctx context.Context) ([]string, error)
	List(ctx context.Context, questionnaire string) ([]*survey.Response, error)
}

// SurveyHandler serves aggregated questionnaire results.
type SurveyHandler struct {
	surveys SurveyRepository
	logger  *zap.Logger
}

// NewSurveyHandler creates a SurveyHandler.
func NewSurveyHandler(repo SurveyRepository, logger *zap.Logger) *SurveyHandler {
	return &SurveyHandler{surveys: repo, logger: logger}
}

// Routes returns the handler routes
func (h *SurveyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{questionnaire}/results", h.Results)
	return r
}

// List handles GET /surveys
func (h *SurveyHandler) List(w http.ResponseWriter, r *http.Request) {
	names, err := h.surveys.Questionnaires(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"questionnaires": names})
}

// Results handles GET /surveys/{questionnaire}/results
func (h *SurveyHandler) Results(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "questionnaire")
	responses, err := h.surveys.List(r.Context(), name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, survey.Aggregate(name, responses))
}
