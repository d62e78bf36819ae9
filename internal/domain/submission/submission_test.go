package submission

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/trimwell/clinic-admin/internal/domain/record"
)

func strPtr(s string) *string { return &s }

func TestAccessorFallbacks(t *testing.T) {
	s := &Submission{
		ID:         "sub-1",
		IntakeData: map[string]any{"email": "legacy@example.com", "medication": "finasteride-capsules"},
	}

	if got := s.ContactEmail(); got != "legacy@example.com" {
		t.Errorf("ContactEmail = %q, want intake email", got)
	}
	if got := s.DrugSelection(); got != "finasteride-capsules" {
		t.Errorf("DrugSelection = %q", got)
	}
	if got := s.Category(); got != CategoryHairRestoration {
		t.Errorf("Category = %q", got)
	}
	if got := s.PlanName(); got != DefaultPlanName {
		t.Errorf("PlanName = %q", got)
	}

	s.Email = strPtr("row@example.com")
	s.MedicalResponses = map[string]any{"drug": "sildenafil-tablets"}
	s.SelectedPlan = json.RawMessage(`{"product":"Sildenafil","cadence":"Monthly"}`)

	if got := s.ContactEmail(); got != "row@example.com" {
		t.Errorf("ContactEmail = %q, want row email", got)
	}
	if got := s.Category(); got != CategorySexualHealth {
		t.Errorf("Category = %q, want medical_responses to win over intake_data", got)
	}
	if got := s.PlanName(); got != "Sildenafil + Monthly" {
		t.Errorf("PlanName = %q", got)
	}
}

func TestApprove(t *testing.T) {
	s := &Submission{ID: "sub-1", Status: StatusPending, SelectedDrug: strPtr("semaglutide-injection")}

	if err := s.Approve("staff-1", "pi_123", 34900); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if s.Status != StatusApproved {
		t.Errorf("Status = %q", s.Status)
	}
	if len(s.Changes()) != 1 || s.Changes()[0].EventType != EventSubmissionApproved {
		t.Fatalf("Changes = %+v", s.Changes())
	}

	var data ApprovedData
	if err := json.Unmarshal(s.Changes()[0].EventData, &data); err != nil {
		t.Fatalf("event data: %v", err)
	}
	if data.Category != CategoryWeightLoss || data.PaymentIntentID != "pi_123" {
		t.Errorf("event data = %+v", data)
	}

	if err := s.Reject("staff-1", "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reject after approve: err = %v, want ErrInvalidTransition", err)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	s := &Submission{ID: "sub-2", Status: StatusPending}

	err := s.Reject("staff-1", "   ")
	var verr *record.ValidationError
	if !errors.As(err, &verr) || verr.Field != "reason" {
		t.Fatalf("err = %v, want validation error on reason", err)
	}
	if s.Status != StatusPending {
		t.Errorf("status changed on failed reject: %q", s.Status)
	}

	if err := s.Reject("staff-1", "BMI below threshold"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if s.Status != StatusRejected || record.Deref(s.RejectionReason) != "BMI below threshold" {
		t.Errorf("after reject: %+v", s)
	}
}

func TestPaymentFailedStaysReviewable(t *testing.T) {
	s := &Submission{ID: "sub-3", Status: StatusPending}

	if err := s.MarkPaymentFailed("card_declined"); err != nil {
		t.Fatalf("MarkPaymentFailed: %v", err)
	}
	if s.IsTerminal() {
		t.Error("payment_failed should not be terminal")
	}
	if err := s.Approve("staff-1", "pi_retry", 100); err != nil {
		t.Fatalf("Approve after failed payment: %v", err)
	}
	if len(s.Changes()) != 2 {
		t.Errorf("expected two events, got %d", len(s.Changes()))
	}
	s.ClearChanges()
	if len(s.Changes()) != 0 {
		t.Error("ClearChanges did not clear")
	}
}
