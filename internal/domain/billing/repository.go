package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
)

// Repository reads and writes billing_history rows.
type Repository struct {
	db postgres.DBTX
}

// NewRepository creates a new repository
func NewRepository(db postgres.DBTX) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

const columns = `
	id, user_id, email, submission_id, description, category, amount_cents, currency,
	status, is_recurring, stripe_payment_intent_id, stripe_subscription_id,
	period_start, period_end, canceled_at, created_at`

func scan(row pgx.Row) (*Record, error) {
	rec := &Record{}
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Email, &rec.SubmissionID, &rec.Description, &rec.Category,
		&rec.AmountCents, &rec.Currency, &rec.Status, &rec.IsRecurring, &rec.StripePaymentIntent,
		&rec.StripeSubscriptionID, &rec.PeriodStart, &rec.PeriodEnd, &rec.CanceledAt, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func collect(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Insert writes a new row, assigning an id and timestamp when missing.
func (r *Repository) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Currency == "" {
		rec.Currency = "usd"
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO billing_history (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		rec.ID, rec.UserID, rec.Email, rec.SubmissionID, rec.Description, rec.Category,
		rec.AmountCents, rec.Currency, rec.Status, rec.IsRecurring, rec.StripePaymentIntent,
		rec.StripeSubscriptionID, rec.PeriodStart, rec.PeriodEnd, rec.CanceledAt, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert billing record: %w", err)
	}
	return nil
}

// ListForPatient returns rows linked by user id or email, merged by id.
func (r *Repository) ListForPatient(ctx context.Context, userID, email string) ([]*Record, error) {
	var byUser, byEmail []*Record
	if userID != "" {
		rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM billing_history WHERE user_id = $1 ORDER BY created_at DESC`, userID)
		if err != nil {
			return nil, fmt.Errorf("list billing by user: %w", err)
		}
		if byUser, err = collect(rows); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(email) != "" {
		rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM billing_history WHERE lower(email) = lower($1) ORDER BY created_at DESC`, strings.TrimSpace(email))
		if err != nil {
			return nil, fmt.Errorf("list billing by email: %w", err)
		}
		if byEmail, err = collect(rows); err != nil {
			return nil, err
		}
	}
	return record.MergeByID((*Record).RecordID, byUser, byEmail), nil
}

// ListRecurring returns every recurring row.
func (r *Repository) ListRecurring(ctx context.Context) ([]*Record, error) {
	rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM billing_history WHERE is_recurring ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list recurring billing: %w", err)
	}
	return collect(rows)
}

// EndingWithin returns active recurring rows whose period ends between now
// and now+days.
func (r *Repository) EndingWithin(ctx context.Context, now time.Time, days int) ([]*Record, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+columns+` FROM billing_history
		WHERE is_recurring
		  AND status NOT IN ('canceled', 'refunded', 'failed')
		  AND period_end BETWEEN $1 AND $2
		ORDER BY period_end
	`, now, now.AddDate(0, 0, days))
	if err != nil {
		return nil, fmt.Errorf("list renewals: %w", err)
	}
	return collect(rows)
}

// CancelSubscription marks every row of a Stripe subscription canceled.
func (r *Repository) CancelSubscription(ctx context.Context, subscriptionID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE billing_history
		SET status = 'canceled', canceled_at = $2
		WHERE stripe_subscription_id = $1 AND status <> 'canceled'
	`, subscriptionID, at)
	if err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
