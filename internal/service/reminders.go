package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/domain/billing"
	"github.com/trimwell/clinic-admin/internal/domain/patient"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
	"github.com/trimwell/clinic-admin/internal/notify"
	"github.com/trimwell/clinic-admin/pkg/idempotency"
)

const handlerRenewalReminder = "renewal_reminder"

// ReminderService queues renewal reminders and reports subscriber analytics.
type ReminderService struct {
	billing  BillingStore
	patients PatientStore
	inbox    Idempotent
	clock    Clock
	logger   *zap.Logger
}

// NewReminderService creates a ReminderService.
func NewReminderService(bills BillingStore, patients PatientStore, inbox Idempotent, clock Clock, logger *zap.Logger) *ReminderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderService{billing: bills, patients: patients, inbox: inbox, clock: clock, logger: logger}
}

// ReminderReport counts the outcome of a reminder run.
type ReminderReport struct {
	Considered int `json:"considered"`
	Queued     int `json:"queued"`
	// AlreadySent counts periods reminded by an earlier run.
	AlreadySent int `json:"already_sent"`
	NoEmail     int `json:"no_email"`
}

// SendReminders queues one reminder per subscription period ending within
// days. Each period is reminded once however often the run repeats.
func (s *ReminderService) SendReminders(ctx context.Context, days int) (*ReminderReport, error) {
	now := s.clock.now()
	recs, err := s.billing.EndingWithin(ctx, now, days)
	if err != nil {
		return nil, err
	}

	report := &ReminderReport{}
	for _, rec := range recs {
		report.Considered++
		email := rec.ContactEmail()
		if email == "" || rec.PeriodEnd == nil {
			report.NoEmail++
			continue
		}
		key := idempotency.GenerateKey(rec.ID, handlerRenewalReminder, rec.PeriodEnd.UTC().Format(time.RFC3339))
		res, err := s.inbox.Process(ctx, key, handlerRenewalReminder, map[string]string{"billing_id": rec.ID}, func(ctx context.Context) (json.RawMessage, error) {
			return s.queueReminder(ctx, rec, email)
		})
		if err != nil {
			return report, err
		}
		if res.Replayed {
			report.AlreadySent++
			continue
		}
		report.Queued++
	}
	s.logger.Info("renewal reminders queued",
		zap.Int("days", days),
		zap.Int("considered", report.Considered),
		zap.Int("queued", report.Queued),
		zap.Int("already_sent", report.AlreadySent))
	return report, nil
}

func (s *ReminderService) queueReminder(ctx context.Context, rec *billing.Record, email string) (json.RawMessage, error) {
	var firstName, fullName string
	if id := rec.OwnerID(); id != "" {
		p, err := s.patients.GetPatient(ctx, id)
		if err != nil && !errors.Is(err, patient.ErrNotFound) {
			return nil, err
		}
		if p != nil {
			firstName, fullName = p.FirstName, p.FullName()
		}
	}

	plan := rec.Description
	if rec.Category != "" {
		plan = submission.Catalog(submission.Category(rec.Category)).DisplayName
	}
	req, err := notify.NewRequest(notify.KindRenewalReminder, email, fullName, &notify.RenewalData{
		FirstName:   firstName,
		Plan:        plan,
		RenewsOn:    *rec.PeriodEnd,
		AmountCents: int64(math.Round(rec.MonthlyCents())),
	})
	if err != nil {
		return nil, err
	}
	entry, err := req.OutboxEntry("BillingRecord", rec.ID)
	if err != nil {
		return nil, err
	}
	if err := s.billing.QueueEmails(ctx, []*postgres.OutboxEntry{entry}); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"email_id": req.ID})
}

// Analytics computes subscriber analytics over every recurring row.
func (s *ReminderService) Analytics(ctx context.Context) (*billing.Analytics, error) {
	recs, err := s.billing.ListRecurring(ctx)
	if err != nil {
		return nil, err
	}
	return billing.Analyze(recs, s.clock.now()), nil
}
