package billing

import (
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/submission"
)

// EligibilityFeeCents is charged once, before the first month.
const EligibilityFeeCents int64 = 4900

// LineItem is one priced component of an approval charge.
type LineItem struct {
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
	Recurring   bool   `json:"recurring"`
}

// Quote is the charge taken when a submission is approved.
type Quote struct {
	Category  submission.Category `json:"category"`
	LineItems []LineItem          `json:"line_items"`
	Currency  string              `json:"currency"`
}

// Total sums the line items.
func (q *Quote) Total() int64 {
	var total int64
	for _, li := range q.LineItems {
		total += li.AmountCents
	}
	return total
}

// Description joins line item descriptions for the payment processor.
func (q *Quote) Description() string {
	desc := ""
	for i, li := range q.LineItems {
		if i > 0 {
			desc += " + "
		}
		desc += li.Description
	}
	return desc
}

// FirstMonth returns the recurring line item.
func (q *Quote) FirstMonth() LineItem {
	for _, li := range q.LineItems {
		if li.Recurring {
			return li
		}
	}
	return LineItem{}
}

// QuoteFor prices an approval for category c: the eligibility fee plus the
// first month of the category's plan.
func QuoteFor(c submission.Category) *Quote {
	entry := submission.Catalog(c)
	return &Quote{
		Category: entry.Category,
		Currency: "usd",
		LineItems: []LineItem{
			{Description: "Eligibility Fee", AmountCents: EligibilityFeeCents},
			{Description: entry.DisplayName + " - First Month", AmountCents: entry.MonthlyCents, Recurring: true},
		},
	}
}

// Records turns a paid quote into billing_history rows, one per line item.
// The recurring item covers one calendar month from at.
func (q *Quote) Records(userID, email, submissionID *string, paymentIntentID string, at time.Time) []*Record {
	out := make([]*Record, 0, len(q.LineItems))
	for _, li := range q.LineItems {
		rec := &Record{
			UserID:              userID,
			Email:               email,
			SubmissionID:        submissionID,
			Description:         li.Description,
			Category:            string(q.Category),
			AmountCents:         li.AmountCents,
			Currency:            q.Currency,
			Status:              StatusPaid,
			IsRecurring:         li.Recurring,
			StripePaymentIntent: &paymentIntentID,
			CreatedAt:           at,
		}
		if li.Recurring {
			start, end := at, at.AddDate(0, 1, 0)
			rec.Status = StatusActive
			rec.PeriodStart = &start
			rec.PeriodEnd = &end
		}
		out = append(out, rec)
	}
	return out
}
