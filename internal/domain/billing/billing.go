// Package billing implements billing history rows, the line-item price table
// and revenue estimates.
package billing

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
)

// ErrNotFound is returned when no billing row matches.
var ErrNotFound = errors.New("billing record not found")

// Status is the payment state of a billing row.
type Status string

const (
	StatusPaid     Status = "paid"
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusCanceled Status = "canceled"
	StatusRefunded Status = "refunded"
	StatusFailed   Status = "failed"
)

// AverageMonthDays is the mean Gregorian month length.
const AverageMonthDays = 30.4375

// Record is a billing_history row.
type Record struct {
	ID                   string     `json:"id"`
	UserID               *string    `json:"user_id,omitempty"`
	Email                *string    `json:"email,omitempty"`
	SubmissionID         *string    `json:"submission_id,omitempty"`
	Description          string     `json:"description"`
	Category             string     `json:"category"`
	AmountCents          int64      `json:"amount_cents"`
	Currency             string     `json:"currency"`
	Status               Status     `json:"status"`
	IsRecurring          bool       `json:"is_recurring"`
	StripePaymentIntent  *string    `json:"stripe_payment_intent_id,omitempty"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id,omitempty"`
	PeriodStart          *time.Time `json:"period_start,omitempty"`
	PeriodEnd            *time.Time `json:"period_end,omitempty"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// RecordID returns the primary key.
func (r *Record) RecordID() string { return r.ID }

// OwnerID returns user_id or "".
func (r *Record) OwnerID() string { return record.Deref(r.UserID) }

// ContactEmail returns the billing email.
func (r *Record) ContactEmail() string { return record.Deref(r.Email) }

// Start returns period_start, falling back to created_at.
func (r *Record) Start() time.Time {
	if r.PeriodStart != nil {
		return *r.PeriodStart
	}
	return r.CreatedAt
}

// SubscriberKey identifies the paying patient across rows that may carry only
// one of user_id and email.
func (r *Record) SubscriberKey() string {
	if id := r.OwnerID(); id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(r.ContactEmail()))
}

func (r *Record) closed() bool {
	switch r.Status {
	case StatusCanceled, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// ActiveAt reports whether a recurring row is billing at now.
func (r *Record) ActiveAt(now time.Time) bool {
	if !r.IsRecurring || r.closed() {
		return false
	}
	if r.Start().After(now) {
		return false
	}
	if r.PeriodEnd != nil && r.PeriodEnd.Before(now) {
		return false
	}
	return true
}

// Months is the number of average months the row's period spans, at least 1.
// Open-ended rows count as one month.
func (r *Record) Months() float64 {
	if r.PeriodEnd == nil {
		return 1
	}
	days := r.PeriodEnd.Sub(r.Start()).Hours() / 24
	months := math.Round(days / AverageMonthDays)
	if months < 1 {
		return 1
	}
	return months
}

// MonthlyCents prorates the row amount over its period.
func (r *Record) MonthlyCents() float64 {
	return float64(r.AmountCents) / r.Months()
}

// EstimateMRR sums the monthly contribution of every row active at now,
// rounded to whole cents.
func EstimateMRR(records []*Record, now time.Time) int64 {
	var total float64
	for _, r := range records {
		if r.ActiveAt(now) {
			total += r.MonthlyCents()
		}
	}
	return int64(math.Round(total))
}

// Analytics summarises the subscriber base.
type Analytics struct {
	ActiveSubscribers int              `json:"active_subscribers"`
	MRRCents          int64            `json:"mrr_cents"`
	MRRByCategory     map[string]int64 `json:"mrr_by_category"`
	NewLast30Days     int              `json:"new_last_30_days"`
	ChurnedLast30Days int              `json:"churned_last_30_days"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// Analyze computes subscriber analytics over recurring rows.
func Analyze(records []*Record, now time.Time) *Analytics {
	window := now.AddDate(0, 0, -30)
	a := &Analytics{
		MRRByCategory: make(map[string]int64),
		GeneratedAt:   now,
	}

	byCategory := make(map[string]float64)
	active := make(map[string]bool)
	firstStart := make(map[string]time.Time)
	var total float64

	for _, r := range records {
		if !r.IsRecurring {
			continue
		}
		key := r.SubscriberKey()
		if key == "" {
			continue
		}
		if first, ok := firstStart[key]; !ok || r.Start().Before(first) {
			firstStart[key] = r.Start()
		}
		if !r.ActiveAt(now) {
			continue
		}
		active[key] = true
		cat := r.Category
		if cat == "" {
			cat = string(submission.Classify(r.Description))
		}
		byCategory[cat] += r.MonthlyCents()
		total += r.MonthlyCents()
	}

	churned := make(map[string]bool)
	for _, r := range records {
		if !r.IsRecurring || r.Status != StatusCanceled || r.CanceledAt == nil {
			continue
		}
		key := r.SubscriberKey()
		if key == "" || active[key] {
			continue
		}
		if !r.CanceledAt.Before(window) && !r.CanceledAt.After(now) {
			churned[key] = true
		}
	}

	for key := range active {
		if !firstStart[key].Before(window) {
			a.NewLast30Days++
		}
	}
	for cat, cents := range byCategory {
		a.MRRByCategory[cat] = int64(math.Round(cents))
	}
	a.ActiveSubscribers = len(active)
	a.ChurnedLast30Days = len(churned)
	a.MRRCents = int64(math.Round(total))
	return a
}
