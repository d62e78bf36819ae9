// Package submission implements patient intake submissions and their review
// state machine.
package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/record"
)

// Status is the approval state of a submission.
type Status string

const (
	StatusPending       Status = "pending"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusPaymentFailed Status = "payment_failed"
)

var (
	// ErrNotFound is returned when no submission matches an id.
	ErrNotFound = errors.New("submission not found")
	// ErrInvalidTransition is returned for a state change the current status forbids.
	ErrInvalidTransition = errors.New("invalid submission transition")
	// ErrReviewInProgress is returned while another reviewer holds the submission.
	ErrReviewInProgress = errors.New("submission review already in progress")
)

// Submission is a form_submissions row. Older rows store answers under
// intake_data and may lack user_id or email, so readers go through the
// accessor methods.
type Submission struct {
	ID               string          `json:"id"`
	UserID           *string         `json:"user_id,omitempty"`
	Email            *string         `json:"email,omitempty"`
	FirstName        string          `json:"first_name"`
	LastName         string          `json:"last_name"`
	Status           Status          `json:"approval_status"`
	SelectedDrug     *string         `json:"selected_drug,omitempty"`
	Medication       *string         `json:"medication,omitempty"`
	MedicalResponses map[string]any  `json:"medical_responses,omitempty"`
	IntakeData       map[string]any  `json:"intake_data,omitempty"`
	SelectedPlan     json.RawMessage `json:"selected_plan,omitempty"`
	StripeCustomerID *string         `json:"stripe_customer_id,omitempty"`
	PaymentMethodID  *string         `json:"payment_method_id,omitempty"`
	RejectionReason  *string         `json:"rejection_reason,omitempty"`
	PrescriptionURL  *string         `json:"prescription_url,omitempty"`
	ProviderNoteURL  *string         `json:"provider_note_url,omitempty"`
	AIApproved       *bool           `json:"ai_approved,omitempty"`
	AIReason         *string         `json:"ai_reason,omitempty"`
	AICheckedAt      *time.Time      `json:"ai_checked_at,omitempty"`
	ReviewedBy       *string         `json:"reviewed_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	changes []*Event
}

// RecordID returns the primary key.
func (s *Submission) RecordID() string { return s.ID }

// OwnerID returns user_id, or "" for anonymous intakes.
func (s *Submission) OwnerID() string { return record.Deref(s.UserID) }

// ContactEmail returns the row email, falling back to the email captured in
// the intake answers.
func (s *Submission) ContactEmail() string {
	return record.FirstNonEmpty(
		record.Deref(s.Email),
		record.StringField(s.Responses(), "email", "email_address"),
	)
}

// Responses returns medical_responses, or intake_data for older rows.
func (s *Submission) Responses() map[string]any {
	if len(s.MedicalResponses) > 0 {
		return s.MedicalResponses
	}
	if s.IntakeData != nil {
		return s.IntakeData
	}
	return map[string]any{}
}

// DrugSelection returns the free-text drug the patient picked.
func (s *Submission) DrugSelection() string {
	return record.FirstNonEmpty(
		record.Deref(s.SelectedDrug),
		record.Deref(s.Medication),
		record.StringField(s.Responses(), "selected_drug", "drug", "medication"),
	)
}

// Category classifies the drug selection.
func (s *Submission) Category() Category {
	return Classify(s.DrugSelection())
}

// PlanName renders the selected plan for display.
func (s *Submission) PlanName() string {
	if len(s.SelectedPlan) == 0 {
		return DefaultPlanName
	}
	return FormatPlanName(s.SelectedPlan)
}

// FullName joins first and last name.
func (s *Submission) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// Changes returns events produced since the row was loaded.
func (s *Submission) Changes() []*Event { return s.changes }

// ClearChanges drops recorded events once they are persisted.
func (s *Submission) ClearChanges() { s.changes = nil }

// IsTerminal reports whether no further review action is possible.
func (s *Submission) IsTerminal() bool {
	return s.Status == StatusApproved || s.Status == StatusRejected
}

func (s *Submission) reviewable() error {
	switch s.Status {
	case StatusPending, StatusPaymentFailed, "":
		return nil
	default:
		return fmt.Errorf("%w: submission %s is %s", ErrInvalidTransition, s.ID, s.Status)
	}
}

// Approve marks the submission approved after a successful charge.
func (s *Submission) Approve(actor, paymentIntentID string, amountCents int64) error {
	if err := s.reviewable(); err != nil {
		return err
	}
	now := time.Now().UTC()
	event, err := NewEvent(s.ID, EventSubmissionApproved, &ApprovedData{
		SubmissionID:    s.ID,
		Category:        s.Category(),
		PaymentIntentID: paymentIntentID,
		AmountCents:     amountCents,
		ApprovedBy:      actor,
		ApprovedAt:      now,
	})
	if err != nil {
		return err
	}
	s.Status = StatusApproved
	s.ReviewedBy = &actor
	s.RejectionReason = nil
	s.UpdatedAt = now
	s.changes = append(s.changes, event.WithActor(actor))
	return nil
}

// Reject closes the submission with a reason shown to the patient.
func (s *Submission) Reject(actor, reason string) error {
	if err := s.reviewable(); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return &record.ValidationError{Field: "reason", Message: "rejection reason is required"}
	}
	now := time.Now().UTC()
	event, err := NewEvent(s.ID, EventSubmissionRejected, &RejectedData{
		SubmissionID: s.ID,
		Reason:       reason,
		RejectedBy:   actor,
		RejectedAt:   now,
	})
	if err != nil {
		return err
	}
	s.Status = StatusRejected
	s.RejectionReason = &reason
	s.ReviewedBy = &actor
	s.UpdatedAt = now
	s.changes = append(s.changes, event.WithActor(actor))
	return nil
}

// MarkPaymentFailed records a declined charge; the submission stays reviewable.
func (s *Submission) MarkPaymentFailed(reason string) error {
	if err := s.reviewable(); err != nil {
		return err
	}
	now := time.Now().UTC()
	event, err := NewEvent(s.ID, EventSubmissionPaymentFailed, &PaymentFailedData{
		SubmissionID: s.ID,
		Reason:       reason,
		FailedAt:     now,
	})
	if err != nil {
		return err
	}
	s.Status = StatusPaymentFailed
	s.UpdatedAt = now
	s.changes = append(s.changes, event)
	return nil
}
