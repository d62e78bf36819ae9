package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/domain/billing"
	"github.com/trimwell/clinic-admin/internal/domain/patient"
	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
	"github.com/trimwell/clinic-admin/internal/infrastructure/openai"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
	"github.com/trimwell/clinic-admin/internal/infrastructure/stripe"
	"github.com/trimwell/clinic-admin/internal/notify"
	"github.com/trimwell/clinic-admin/pkg/idempotency"
)

const handlerChargeAndApprove = "charge_and_approve"

// ReviewService runs the submission review queue.
type ReviewService struct {
	submissions SubmissionStore
	patients    PatientStore
	payments    Payments
	inbox       Idempotent
	assistant   Assistant
	setupURL    string
	clock       Clock
	logger      *zap.Logger
}

// ReviewDeps groups the collaborators of ReviewService.
type ReviewDeps struct {
	Submissions SubmissionStore
	Patients    PatientStore
	Payments    Payments
	Inbox       Idempotent
	Assistant   Assistant
	// SetupURL is linked from the approval email.
	SetupURL string
	Clock    Clock
	Logger   *zap.Logger
}

// NewReviewService creates a ReviewService.
func NewReviewService(d ReviewDeps) *ReviewService {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &ReviewService{
		submissions: d.Submissions,
		patients:    d.Patients,
		payments:    d.Payments,
		inbox:       d.Inbox,
		assistant:   d.Assistant,
		setupURL:    d.SetupURL,
		clock:       d.Clock,
		logger:      d.Logger,
	}
}

// Queue lists submissions in the given statuses, newest first.
func (s *ReviewService) Queue(ctx context.Context, statuses []submission.Status, limit int) ([]*submission.Submission, error) {
	return s.submissions.ReviewQueue(ctx, submission.ListFilter{Statuses: statuses, Limit: limit})
}

// Get returns one submission.
func (s *ReviewService) Get(ctx context.Context, id string) (*submission.Submission, error) {
	return s.submissions.GetSubmission(ctx, id)
}

// ApproveRequest asks for a submission to be charged and approved.
type ApproveRequest struct {
	SubmissionID    string `json:"submission_id"`
	ActorID         string `json:"actor_id"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
}

// ApproveResult is the stored outcome of an approval.
type ApproveResult struct {
	SubmissionID    string              `json:"submission_id"`
	Status          submission.Status   `json:"status"`
	Category        submission.Category `json:"category"`
	PaymentIntentID string              `json:"payment_intent_id"`
	AmountCents     int64               `json:"amount_cents"`
	Description     string              `json:"description"`
	Replayed        bool                `json:"replayed"`
}

// ChargeAndApprove charges the approval quote for a submission and marks it
// approved. The action runs once per submission and payment method; a retry
// with the same card replays the stored result or the stored decline.
// The submission is reserved for the whole call, so a concurrent reject or
// approval with another card is refused with ErrReviewInProgress instead of
// racing the charge.
func (s *ReviewService) ChargeAndApprove(ctx context.Context, req ApproveRequest) (*ApproveResult, error) {
	release, err := s.submissions.ReserveReview(ctx, req.SubmissionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err := s.submissions.GetSubmission(ctx, req.SubmissionID)
	if err != nil {
		return nil, err
	}

	customerID, paymentMethodID, err := s.paymentSource(ctx, sub, req.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	quote := billing.QuoteFor(sub.Category())
	key := idempotency.GenerateKey(sub.ID, "approve", paymentMethodID)

	res, err := s.inbox.Process(ctx, key, handlerChargeAndApprove, req, func(ctx context.Context) (json.RawMessage, error) {
		if sub.IsTerminal() {
			return nil, idempotency.Terminal(fmt.Errorf("%w: submission %s is %s", submission.ErrInvalidTransition, sub.ID, sub.Status))
		}
		return s.charge(ctx, sub, req.ActorID, customerID, paymentMethodID, quote, key)
	})
	switch {
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return nil, fmt.Errorf("%w: this payment method was already declined for submission %s", ErrPaymentDeclined, sub.ID)
	case err != nil:
		return nil, err
	}

	var out ApproveResult
	if err := json.Unmarshal(res.Value, &out); err != nil {
		return nil, fmt.Errorf("decode approval result: %w", err)
	}
	out.Replayed = res.Replayed
	return &out, nil
}

func (s *ReviewService) charge(ctx context.Context, sub *submission.Submission, actor, customerID, paymentMethodID string, quote *billing.Quote, key string) (json.RawMessage, error) {
	pi, err := s.payments.Charge(ctx, stripe.ChargeRequest{
		CustomerID:      customerID,
		PaymentMethodID: paymentMethodID,
		AmountCents:     quote.Total(),
		Currency:        quote.Currency,
		Description:     quote.Description(),
		Metadata: map[string]string{
			"submission_id": sub.ID,
			"category":      string(quote.Category),
		},
		IdempotencyKey: key,
	})
	var declined *stripe.DeclineError
	if errors.As(err, &declined) {
		if markErr := sub.MarkPaymentFailed(declined.Message); markErr != nil {
			return nil, markErr
		}
		if saveErr := s.submissions.CommitReview(ctx, sub, nil, nil); saveErr != nil {
			return nil, saveErr
		}
		s.logger.Info("approval charge declined",
			zap.String("submission_id", sub.ID),
			zap.String("decline_code", declined.DeclineCode))
		return nil, idempotency.Terminal(fmt.Errorf("%w: %s", ErrPaymentDeclined, declined.Message))
	}
	if err != nil {
		return nil, err
	}

	now := s.clock.now()
	if err := sub.Approve(actor, pi.ID, pi.AmountCents); err != nil {
		return nil, idempotency.Terminal(err)
	}

	email := sub.ContactEmail()
	bills := quote.Records(sub.UserID, nilIfEmpty(email), &sub.ID, pi.ID, now)

	var extra []*postgres.OutboxEntry
	if email != "" {
		entry, err := s.setupEmail(sub, email)
		if err != nil {
			return nil, err
		}
		extra = append(extra, entry)
	}
	if err := s.submissions.CommitReview(ctx, sub, bills, extra); err != nil {
		if errors.Is(err, submission.ErrInvalidTransition) {
			s.logger.Error("charged submission was closed before approval was saved; refund required",
				zap.String("submission_id", sub.ID),
				zap.String("payment_intent_id", pi.ID),
				zap.Int64("amount_cents", pi.AmountCents))
			return nil, idempotency.Terminal(err)
		}
		// The charge stands; a retry replays it under the same processor key.
		return nil, err
	}

	s.logger.Info("submission approved",
		zap.String("submission_id", sub.ID),
		zap.String("payment_intent_id", pi.ID),
		zap.Int64("amount_cents", pi.AmountCents))

	return json.Marshal(&ApproveResult{
		SubmissionID:    sub.ID,
		Status:          sub.Status,
		Category:        quote.Category,
		PaymentIntentID: pi.ID,
		AmountCents:     pi.AmountCents,
		Description:     quote.Description(),
	})
}

func (s *ReviewService) setupEmail(sub *submission.Submission, email string) (*postgres.OutboxEntry, error) {
	req, err := notify.NewRequest(notify.KindSetup, email, sub.FullName(), &notify.SetupData{
		FirstName: sub.FirstName,
		Plan:      submission.Catalog(sub.Category()).DisplayName,
		SetupURL:  s.setupURL,
	})
	if err != nil {
		return nil, err
	}
	return req.OutboxEntry(submission.AggregateType, sub.ID)
}

// paymentSource picks the customer and card to charge. An explicit payment
// method overrides the one saved on the submission.
func (s *ReviewService) paymentSource(ctx context.Context, sub *submission.Submission, override string) (string, string, error) {
	customerID := record.Deref(sub.StripeCustomerID)
	if customerID == "" {
		p, err := s.ownerProfile(ctx, sub)
		if err != nil && !errors.Is(err, patient.ErrNotFound) {
			return "", "", err
		}
		if p != nil {
			customerID = record.Deref(p.StripeCustomerID)
		}
	}
	paymentMethodID := record.FirstNonEmpty(strings.TrimSpace(override), record.Deref(sub.PaymentMethodID))
	if customerID == "" || paymentMethodID == "" {
		return "", "", fmt.Errorf("%w for submission %s", ErrMissingPaymentMethod, sub.ID)
	}
	return customerID, paymentMethodID, nil
}

func (s *ReviewService) ownerProfile(ctx context.Context, sub *submission.Submission) (*patient.Profile, error) {
	if id := sub.OwnerID(); id != "" {
		return s.patients.GetPatient(ctx, id)
	}
	if email := sub.ContactEmail(); email != "" {
		return s.patients.FindPatientByEmail(ctx, email)
	}
	return nil, patient.ErrNotFound
}

// Reject closes a submission and queues the rejection email.
func (s *ReviewService) Reject(ctx context.Context, id, actor, reason string) (*submission.Submission, error) {
	release, err := s.submissions.ReserveReview(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err := s.submissions.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sub.Reject(actor, reason); err != nil {
		return nil, err
	}

	var extra []*postgres.OutboxEntry
	if email := sub.ContactEmail(); email != "" {
		req, err := notify.NewRequest(notify.KindRejection, email, sub.FullName(), &notify.RejectionData{
			FirstName: sub.FirstName,
			Reason:    record.Deref(sub.RejectionReason),
		})
		if err != nil {
			return nil, err
		}
		entry, err := req.OutboxEntry(submission.AggregateType, sub.ID)
		if err != nil {
			return nil, err
		}
		extra = append(extra, entry)
	} else {
		s.logger.Warn("rejected submission has no email; patient not notified", zap.String("submission_id", sub.ID))
	}

	if err := s.submissions.CommitReview(ctx, sub, nil, extra); err != nil {
		return nil, err
	}
	return sub, nil
}

// EligibilityResult is the stored AI verdict.
type EligibilityResult struct {
	SubmissionID string `json:"submission_id"`
	Approved     bool   `json:"approved"`
	Reason       string `json:"reason"`
	Summary      string `json:"summary"`
}

// CheckEligibility asks the model for a verdict on a submission and stores it.
func (s *ReviewService) CheckEligibility(ctx context.Context, id string) (*EligibilityResult, error) {
	sub, err := s.submissions.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.ownerProfile(ctx, sub)
	if err != nil && !errors.Is(err, patient.ErrNotFound) {
		return nil, err
	}

	summary := IntakeSummary(sub, p, s.clock.now())
	verdict, err := s.assistant.CheckEligibility(ctx, summary)
	if errors.Is(err, openai.ErrUnparsable) {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if err != nil {
		return nil, err
	}
	if err := s.submissions.SetEligibility(ctx, sub.ID, verdict.Approved, verdict.Reason, s.clock.now()); err != nil {
		return nil, err
	}
	return &EligibilityResult{
		SubmissionID: sub.ID,
		Approved:     verdict.Approved,
		Reason:       verdict.Reason,
		Summary:      summary,
	}, nil
}

// IntakeSummary renders the facts the eligibility model and note drafting
// see. Profile values win over intake answers when both exist.
func IntakeSummary(sub *submission.Submission, p *patient.Profile, now time.Time) string {
	answers := sub.Responses()
	var b strings.Builder
	line := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, strings.TrimSpace(value))
		}
	}

	line("Patient", record.FirstNonEmpty(sub.FullName(), profileName(p)))
	if p != nil {
		if p.DateOfBirth != nil {
			line("Date of birth", p.DateOfBirth.Format("2006-01-02"))
			line("Age", fmt.Sprintf("%d", p.Age(now)))
		}
		line("Sex", record.Deref(p.Sex))
		if p.HeightFeet != nil && p.HeightInches != nil {
			line("Height", fmt.Sprintf("%.0f ft %.0f in", *p.HeightFeet, *p.HeightInches))
		}
		if p.WeightLbs != nil {
			line("Weight", fmt.Sprintf("%.0f lbs", *p.WeightLbs))
		}
		if p.BMI != nil {
			line("BMI", fmt.Sprintf("%.1f", *p.BMI))
		}
	}
	if p == nil || p.Sex == nil {
		line("Sex", record.StringField(answers, "sex", "gender"))
	}
	if p == nil || p.WeightLbs == nil {
		line("Weight", record.StringField(answers, "weight", "weight_lbs"))
	}
	line("Conditions", answerList(answers, "conditions", "medical_conditions"))
	line("Current medications", answerList(answers, "current_medications", "medications"))
	line("Allergies", answerList(answers, "allergies"))
	line("Selected drug", sub.DrugSelection())
	line("Category", submission.Catalog(sub.Category()).DisplayName)

	var extra []string
	known := map[string]bool{
		"sex": true, "gender": true, "weight": true, "weight_lbs": true, "conditions": true,
		"medical_conditions": true, "current_medications": true, "medications": true,
		"allergies": true, "email": true, "email_address": true, "selected_drug": true,
		"drug": true, "medication": true,
	}
	for k := range answers {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		line(k, answerList(answers, k))
	}
	return b.String()
}

func profileName(p *patient.Profile) string {
	if p == nil {
		return ""
	}
	return p.FullName()
}

func answerList(answers map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := answers[k].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, ", ")
			}
		case bool:
			if v {
				return "yes"
			}
			return "no"
		case float64:
			return fmt.Sprintf("%g", v)
		}
	}
	return ""
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
