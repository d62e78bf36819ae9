// Package handlers provides the HTTP handlers for the admin API, one type per
// screen or function family.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/api/middleware"
	"github.com/trimwell/clinic-admin/internal/domain/billing"
	"github.com/trimwell/clinic-admin/internal/domain/coupon"
	"github.com/trimwell/clinic-admin/internal/domain/order"
	"github.com/trimwell/clinic-admin/internal/domain/patient"
	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/staff"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
	"github.com/trimwell/clinic-admin/internal/infrastructure/stripe"
	"github.com/trimwell/clinic-admin/internal/notify"
	"github.com/trimwell/clinic-admin/internal/service"
	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
	"github.com/trimwell/clinic-admin/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	var (
		validation *record.ValidationError
		declined   *stripe.DeclineError
		rejected   *stripe.RequestError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, notify.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrPaymentDeclined), errors.As(err, &declined):
		return http.StatusPaymentRequired
	case errors.Is(err, submission.ErrNotFound),
		errors.Is(err, patient.ErrNotFound),
		errors.Is(err, order.ErrNotFound),
		errors.Is(err, coupon.ErrNotFound),
		errors.Is(err, staff.ErrNotFound),
		errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, submission.ErrInvalidTransition),
		errors.Is(err, submission.ErrReviewInProgress),
		errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, patient.ErrStale),
		errors.Is(err, coupon.ErrDuplicate),
		errors.Is(err, staff.ErrDuplicate),
		errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, coupon.ErrInactive),
		errors.Is(err, coupon.ErrExpired),
		errors.Is(err, coupon.ErrExhausted),
		errors.Is(err, service.ErrMissingPaymentMethod):
		return http.StatusUnprocessableEntity
	case errors.As(err, &rejected):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, circuitbreaker.ErrOpen):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError logs err and writes it as {"error": ...}. Internal errors are
// reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		msg = "internal server error"
	} else {
		logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	middleware.WriteError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &record.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

// actor returns the authenticated user id, or "" outside BearerAuth.
func actor(r *http.Request) string {
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		return p.UserID
	}
	return ""
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &record.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

func queryList(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
