package patient

import (
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/billing"
	"github.com/trimwell/clinic-admin/internal/domain/order"
	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
	"github.com/trimwell/clinic-admin/internal/domain/survey"
)

// Linked is a row that can be tied to a patient by user id or email.
type Linked interface {
	RecordID() string
	OwnerID() string
	ContactEmail() string
}

// BelongsTo reports whether row references p by user id or by email.
func BelongsTo(p *Profile, row Linked) bool {
	if p.ID != "" && row.OwnerID() == p.ID {
		return true
	}
	return record.SameEmail(row.ContactEmail(), p.Email)
}

// Correlate keeps the rows of sets that belong to p and deduplicates them by
// primary key. A row seen twice keeps its first position and its last value.
func Correlate[T Linked](p *Profile, sets ...[]T) []T {
	var matched []T
	for _, set := range sets {
		for _, row := range set {
			if BelongsTo(p, row) {
				matched = append(matched, row)
			}
		}
	}
	return record.MergeByID(func(row T) string { return row.RecordID() }, matched)
}

// Dossier is the aggregated view of one patient.
type Dossier struct {
	Profile        *Profile                 `json:"profile"`
	Age            int                      `json:"age,omitempty"`
	BMI            float64                  `json:"bmi,omitempty"`
	ActivePlan     string                   `json:"active_plan,omitempty"`
	Category       submission.Category      `json:"category,omitempty"`
	Submissions    []*submission.Submission `json:"submissions"`
	Billing        []*billing.Record        `json:"billing"`
	Orders         []*order.Order           `json:"orders"`
	Questionnaires []*survey.Response       `json:"questionnaires"`
}

// Sources holds the candidate rows loaded for a dossier.
type Sources struct {
	Submissions    [][]*submission.Submission
	Billing        [][]*billing.Record
	Orders         [][]*order.Order
	Questionnaires [][]*survey.Response
}

// BuildDossier correlates every source with p. The active plan and category
// come from the most recent approved submission, or the most recent one.
func BuildDossier(p *Profile, src Sources, now time.Time) *Dossier {
	d := &Dossier{
		Profile:        p,
		Age:            p.Age(now),
		Submissions:    orEmpty(Correlate(p, src.Submissions...)),
		Billing:        orEmpty(Correlate(p, src.Billing...)),
		Orders:         orEmpty(Correlate(p, src.Orders...)),
		Questionnaires: orEmpty(Correlate(p, src.Questionnaires...)),
	}
	if p.BMI != nil {
		d.BMI = *p.BMI
	}

	var current *submission.Submission
	for _, s := range d.Submissions {
		if current == nil || newer(s, current) {
			current = s
		}
	}
	if current != nil {
		d.ActivePlan = current.PlanName()
		d.Category = current.Category()
	}
	return d
}

// newer prefers approved submissions, then later creation time.
func newer(a, b *submission.Submission) bool {
	aApproved := a.Status == submission.StatusApproved
	bApproved := b.Status == submission.StatusApproved
	if aApproved != bApproved {
		return aApproved
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
