package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/api/middleware"
	"github.com/trimwell/clinic-admin/internal/domain/coupon"
	"github.com/trimwell/clinic-admin/internal/domain/order"
	"github.com/trimwell/clinic-admin/internal/domain/patient"
	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/staff"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
	"github.com/trimwell/clinic-admin/internal/infrastructure/s3"
	"github.com/trimwell/clinic-admin/internal/infrastructure/stripe"
	"github.com/trimwell/clinic-admin/internal/notify"
	"github.com/trimwell/clinic-admin/internal/service"
	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
	"github.com/trimwell/clinic-admin/pkg/idempotency"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &record.ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest},
		{"wrapped not found", fmt.Errorf("load: %w", submission.ErrNotFound), http.StatusNotFound},
		{"profile not found", patient.ErrNotFound, http.StatusNotFound},
		{"stale", patient.ErrStale, http.StatusConflict},
		{"transition", order.ErrInvalidTransition, http.StatusConflict},
		{"in progress", idempotency.ErrInProgress, http.StatusConflict},
		{"review held", fmt.Errorf("%w: s-1", submission.ErrReviewInProgress), http.StatusConflict},
		{"closed by another reviewer", fmt.Errorf("%w: s-1", submission.ErrInvalidTransition), http.StatusConflict},
		{"declined", fmt.Errorf("%w: insufficient funds", service.ErrPaymentDeclined), http.StatusPaymentRequired},
		{"card error", &stripe.DeclineError{DeclineCode: "lost_card"}, http.StatusPaymentRequired},
		{"coupon expired", fmt.Errorf("coupon X: %w", coupon.ErrExpired), http.StatusUnprocessableEntity},
		{"no card", service.ErrMissingPaymentMethod, http.StatusUnprocessableEntity},
		{"upstream", service.ErrUpstream, http.StatusBadGateway},
		{"breaker", fmt.Errorf("%w: stripe", circuitbreaker.ErrOpen), http.StatusServiceUnavailable},
		{"unknown kind", notify.ErrUnknownKind, http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.err); got != tt.want {
				t.Errorf("StatusFor = %d, want %d", got, tt.want)
			}
		})
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func withPrincipal(req *http.Request, userID string, roles ...string) *http.Request {
	p := &middleware.Principal{UserID: userID, Roles: roles}
	return req.WithContext(middleware.WithPrincipal(req.Context(), p))
}

type fakeDirectory struct {
	query   service.DirectoryQuery
	updates map[string]*patient.Update
	err     error
}

func (f *fakeDirectory) List(_ context.Context, q service.DirectoryQuery) ([]*patient.Profile, error) {
	f.query = q
	return []*patient.Profile{{ID: "p1", FirstName: "Ada"}}, f.err
}

func (f *fakeDirectory) Dossier(_ context.Context, id string) (*patient.Dossier, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &patient.Dossier{Profile: &patient.Profile{ID: id}}, nil
}

func (f *fakeDirectory) Update(_ context.Context, id string, u *patient.Update) (*patient.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.updates == nil {
		f.updates = map[string]*patient.Update{}
	}
	f.updates[id] = u
	return &patient.Profile{ID: id}, nil
}

func TestPatientListQuery(t *testing.T) {
	dir := &fakeDirectory{}
	h := NewPatientHandler(dir, zap.NewNop()).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?search=ada&sort=bmi&order=desc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if dir.query.Search != "ada" || dir.query.Sort != patient.SortByBMI || !dir.query.Desc {
		t.Errorf("query = %+v", dir.query)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?sort=age", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad sort status = %d", rec.Code)
	}
}

func TestPatientUpdateStale(t *testing.T) {
	dir := &fakeDirectory{err: fmt.Errorf("save: %w", patient.ErrStale)}
	h := NewPatientHandler(dir, zap.NewNop()).Routes()

	rec := httptest.NewRecorder()
	body := `{"weight_lbs": 180, "expected_updated_at": "2026-03-01T00:00:00Z"}`
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/p1", strings.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if msg := decodeError(t, rec); !strings.Contains(msg, "modified") {
		t.Errorf("error = %q", msg)
	}
}

func TestPatientUpdateRejectsUnknownFields(t *testing.T) {
	h := NewPatientHandler(&fakeDirectory{}, zap.NewNop()).Routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/p1", strings.NewReader(`{"bmi": 22}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

type fakeReviewer struct {
	statuses []submission.Status
	approve  service.ApproveRequest
	err      error
}

func (f *fakeReviewer) Queue(_ context.Context, statuses []submission.Status, _ int) ([]*submission.Submission, error) {
	f.statuses = statuses
	return nil, f.err
}

func (f *fakeReviewer) Get(_ context.Context, id string) (*submission.Submission, error) {
	return &submission.Submission{ID: id}, f.err
}

func (f *fakeReviewer) ChargeAndApprove(_ context.Context, req service.ApproveRequest) (*service.ApproveResult, error) {
	f.approve = req
	if f.err != nil {
		return nil, f.err
	}
	return &service.ApproveResult{SubmissionID: req.SubmissionID, Status: submission.StatusApproved, PaymentIntentID: "pi_1"}, nil
}

func (f *fakeReviewer) Reject(_ context.Context, id, _, reason string) (*submission.Submission, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &submission.Submission{ID: id, Status: submission.StatusRejected, RejectionReason: &reason}, nil
}

func (f *fakeReviewer) CheckEligibility(_ context.Context, id string) (*service.EligibilityResult, error) {
	return &service.EligibilityResult{SubmissionID: id, Approved: true}, f.err
}

type fakeDocs struct{ err error }

func (f fakeDocs) GeneratePrescription(_ context.Context, req service.PrescriptionRequest) (*s3.Object, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &s3.Object{Key: "documents/" + req.SubmissionID + "/prescription.pdf"}, nil
}

func (f fakeDocs) GenerateProviderNote(_ context.Context, req service.NoteRequest) (*s3.Object, error) {
	return &s3.Object{Key: "documents/" + req.SubmissionID + "/provider-note.pdf"}, f.err
}

func TestQueueDefaultsToOpenStatuses(t *testing.T) {
	rev := &fakeReviewer{}
	h := NewSubmissionHandler(rev, fakeDocs{}, nil, zap.NewNop()).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(rev.statuses) != 2 || rev.statuses[0] != submission.StatusPending || rev.statuses[1] != submission.StatusPaymentFailed {
		t.Errorf("statuses = %v", rev.statuses)
	}
	if !strings.Contains(rec.Body.String(), `"submissions":[]`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?status=approved,bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown status code = %d", rec.Code)
	}
}

func TestApprovePassesActorAndCard(t *testing.T) {
	rev := &fakeReviewer{}
	h := NewSubmissionHandler(rev, fakeDocs{}, nil, zap.NewNop()).Routes()

	req := httptest.NewRequest(http.MethodPost, "/sub-1/approve", strings.NewReader(`{"payment_method_id":"pm_2"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPrincipal(req, "dr-1", staff.RoleProvider))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	want := service.ApproveRequest{SubmissionID: "sub-1", ActorID: "dr-1", PaymentMethodID: "pm_2"}
	if rev.approve != want {
		t.Errorf("request = %+v", rev.approve)
	}
}

func TestApproveDeclined(t *testing.T) {
	rev := &fakeReviewer{err: fmt.Errorf("%w: card declined", service.ErrPaymentDeclined)}
	h := NewSubmissionHandler(rev, fakeDocs{}, nil, zap.NewNop()).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sub-1/approve", nil))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if msg := decodeError(t, rec); !strings.Contains(msg, "card declined") {
		t.Errorf("error = %q", msg)
	}
}

func TestPrescriptionMissingProvider(t *testing.T) {
	docs := fakeDocs{err: &record.ValidationError{Field: "provider.first_name", Message: "is required"}}
	h := NewSubmissionHandler(&fakeReviewer{}, docs, nil, zap.NewNop()).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sub-1/prescription", strings.NewReader(`{"dosage":"0.25mg"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "provider.first_name: is required" {
		t.Errorf("error = %q", msg)
	}
}

type fakeFulfillment struct {
	carrier, number string
}

func (f *fakeFulfillment) List(context.Context, order.Status) ([]*order.Order, error) {
	return nil, nil
}

func (f *fakeFulfillment) UpdateTracking(_ context.Context, id, carrier, number string) (*order.Order, error) {
	f.carrier, f.number = carrier, number
	return &order.Order{ID: id, Status: order.StatusShipped}, nil
}

func (f *fakeFulfillment) MarkFulfilled(_ context.Context, id string) (*order.Order, error) {
	return nil, fmt.Errorf("%w: order %s is pending", order.ErrInvalidTransition, id)
}

func TestOrderTrackingAndFulfill(t *testing.T) {
	f := &fakeFulfillment{}
	h := NewOrderHandler(f, zap.NewNop()).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/o1/tracking", strings.NewReader(`{"carrier":"ups","tracking_number":"1Z999"}`)))
	if rec.Code != http.StatusOK || f.carrier != "ups" || f.number != "1Z999" {
		t.Errorf("tracking: status %d, carrier %q number %q", rec.Code, f.carrier, f.number)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/o1/fulfill", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("fulfill status = %d, want 409", rec.Code)
	}
}

type fakeCoupons struct {
	created *coupon.Coupon
}

func (f *fakeCoupons) List(context.Context) ([]*coupon.Coupon, error) { return nil, nil }

func (f *fakeCoupons) Get(_ context.Context, id string) (*coupon.Coupon, error) {
	return nil, coupon.ErrNotFound
}

func (f *fakeCoupons) Create(_ context.Context, c *coupon.Coupon) error {
	f.created = c
	return nil
}

func (f *fakeCoupons) Save(context.Context, *coupon.Coupon) error { return nil }

func (f *fakeCoupons) Deactivate(context.Context, string) error { return nil }

func TestCouponWritesRequireAdmin(t *testing.T) {
	repo := &fakeCoupons{}
	h := NewCouponHandler(repo, zap.NewNop()).Routes()
	body := `{"code":" spring10 ","percent_off":10,"times_redeemed":5}`

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPrincipal(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), "u1", staff.RoleStaff))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("staff create status = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withPrincipal(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), "u1", staff.RoleAdmin))
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin create status = %d: %s", rec.Code, rec.Body.String())
	}
	if repo.created.Code != "SPRING10" || repo.created.TimesRedeemed != 0 || !repo.created.Active {
		t.Errorf("created = %+v", repo.created)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), "u1", staff.RoleStaff))
	if rec.Code != http.StatusOK {
		t.Errorf("staff list status = %d", rec.Code)
	}
}

type fakeStaff struct {
	granted []string
}

func (f *fakeStaff) ListMembers(context.Context) ([]*staff.Member, error) { return nil, nil }

func (f *fakeStaff) CreateProvider(context.Context, *staff.Provider) error { return nil }

func (f *fakeStaff) Grant(_ context.Context, userID, role, by string) error {
	f.granted = append(f.granted, userID+":"+role+":"+by)
	return nil
}

func (f *fakeStaff) Revoke(context.Context, string, string) error { return staff.ErrNotFound }

func TestStaffRoles(t *testing.T) {
	repo := &fakeStaff{}
	h := NewStaffHandler(repo, zap.NewNop()).Routes()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/u2/roles", strings.NewReader(`{"role":"Provider"}`))
	h.ServeHTTP(rec, withPrincipal(req, "admin-1", staff.RoleAdmin))
	if rec.Code != http.StatusNoContent || len(repo.granted) != 1 || repo.granted[0] != "u2:provider:admin-1" {
		t.Errorf("grant: status %d granted %v", rec.Code, repo.granted)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/u2/roles", strings.NewReader(`{"role":"owner"}`))
	h.ServeHTTP(rec, withPrincipal(req, "admin-1", staff.RoleAdmin))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown role status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/admin-1/roles/admin", nil)
	h.ServeHTTP(rec, withPrincipal(req, "admin-1", staff.RoleAdmin))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("self revoke status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/u3/roles/staff", nil)
	h.ServeHTTP(rec, withPrincipal(req, "admin-1", staff.RoleAdmin))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing grant status = %d", rec.Code)
	}
}

type fakeSender struct {
	sent *notify.EmailRequested
}

func (f *fakeSender) Send(_ context.Context, req *notify.EmailRequested) error {
	f.sent = req
	return nil
}

func TestSendEmail(t *testing.T) {
	sender := &fakeSender{}
	h := NewNotificationHandler(sender, nil, zap.NewNop()).Routes()

	body := `{"kind":"tracking","to_email":"pat@example.com","data":{"carrier":"UPS","tracking_number":"1Z"}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/email", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if sender.sent == nil || sender.sent.Kind != notify.KindTracking {
		t.Errorf("sent = %+v", sender.sent)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/email", strings.NewReader(`{"kind":"newsletter","to_email":"a@b.c"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d", rec.Code)
	}
}

type fakePayments struct {
	PaymentFunctions
	patientID string
}

func (f *fakePayments) CreateSetupIntent(_ context.Context, patientID string) (*stripe.SetupIntent, error) {
	f.patientID = patientID
	return &stripe.SetupIntent{ID: "seti_1", ClientSecret: "secret"}, nil
}

func TestSetupIntentRequiresPatient(t *testing.T) {
	pay := &fakePayments{}
	h := NewPaymentHandler(pay, zap.NewNop()).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/setup-intents", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing patient status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/setup-intents", strings.NewReader(`{"patient_id":"p1"}`)))
	if rec.Code != http.StatusCreated || pay.patientID != "p1" {
		t.Errorf("status = %d patient = %q", rec.Code, pay.patientID)
	}
}
