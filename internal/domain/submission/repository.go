package submission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
)

// Repository reads and writes form_submissions rows.
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
	id, user_id, email, first_name, last_name, approval_status, selected_drug,
	medication, medical_responses, intake_data, selected_plan, stripe_customer_id,
	payment_method_id, rejection_reason, prescription_url, provider_note_url,
	ai_approved, ai_reason, ai_checked_at, reviewed_by, created_at, updated_at`

func scan(row pgx.Row) (*Submission, error) {
	s := &Submission{}
	var plan []byte
	err := row.Scan(
		&s.ID, &s.UserID, &s.Email, &s.FirstName, &s.LastName, &s.Status, &s.SelectedDrug,
		&s.Medication, &s.MedicalResponses, &s.IntakeData, &plan, &s.StripeCustomerID,
		&s.PaymentMethodID, &s.RejectionReason, &s.PrescriptionURL, &s.ProviderNoteURL,
		&s.AIApproved, &s.AIReason, &s.AICheckedAt, &s.ReviewedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.SelectedPlan = plan
	return s, nil
}

func collect(rows pgx.Rows) ([]*Submission, error) {
	defer rows.Close()
	var out []*Submission
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get loads a submission by id. Rows that only exist in legacy_submissions
// are returned as they are until a write adopts them.
func (r *Repository) Get(ctx context.Context, id string) (*Submission, error) {
	s, err := scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM form_submissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		s, err = scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM legacy_submissions WHERE id = $1`, id))
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %s: %w", id, err)
	}
	return s, nil
}

// ListFilter narrows the review queue.
type ListFilter struct {
	Statuses []Status
	Since    time.Time
	Limit    int
}

// List returns submissions newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*Submission, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("approval_status = ANY($%d)", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := `SELECT ` + columns + ` FROM form_submissions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return collect(rows)
}

// ReviewQueue returns the review queue across form_submissions and the
// legacy_submissions table kept from the first intake form. Rows migrated
// into form_submissions appear in both, so results are merged by id with
// the form_submissions copy winning.
func (r *Repository) ReviewQueue(ctx context.Context, f ListFilter) ([]*Submission, error) {
	current, err := r.List(ctx, f)
	if err != nil {
		return nil, err
	}
	var args []any
	query := `SELECT ` + columns + ` FROM legacy_submissions`
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		query += " WHERE approval_status = ANY($1)"
	}
	query += " ORDER BY created_at DESC"
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list legacy submissions: %w", err)
	}
	legacy, err := collect(rows)
	if err != nil {
		return nil, err
	}
	merged := record.MergeByID((*Submission).RecordID, legacy, current)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if f.Limit > 0 && len(merged) > f.Limit {
		merged = merged[:f.Limit]
	}
	return merged, nil
}

// ListForPatient returns submissions linked to a patient by user id or by
// email. The two lookups can overlap, so results are merged by id.
func (r *Repository) ListForPatient(ctx context.Context, userID, email string) ([]*Submission, error) {
	var byUser, byEmail []*Submission
	if userID != "" {
		rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM form_submissions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
		if err != nil {
			return nil, fmt.Errorf("list submissions by user: %w", err)
		}
		if byUser, err = collect(rows); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(email) != "" {
		rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM form_submissions WHERE lower(email) = lower($1) ORDER BY created_at DESC`, strings.TrimSpace(email))
		if err != nil {
			return nil, fmt.Errorf("list submissions by email: %w", err)
		}
		if byEmail, err = collect(rows); err != nil {
			return nil, err
		}
	}
	return record.MergeByID((*Submission).RecordID, byUser, byEmail), nil
}

// adopt copies a legacy row into form_submissions so later writes have a
// row to update. It is a no-op for rows already there.
func (r *Repository) adopt(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO form_submissions (`+columns+`)
		SELECT `+columns+` FROM legacy_submissions WHERE id = $1
		ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return fmt.Errorf("adopt legacy submission %s: %w", id, err)
	}
	return nil
}

// reviewableStatuses are the stored statuses a review may move away from.
var reviewableStatuses = []string{string(StatusPending), string(StatusPaymentFailed), ""}

// SaveReview persists the review fields changed by Approve, Reject or
// MarkPaymentFailed. The update only applies while the stored row is still
// reviewable; a row another reviewer already closed yields
// ErrInvalidTransition.
func (r *Repository) SaveReview(ctx context.Context, s *Submission) error {
	if err := r.adopt(ctx, s.ID); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE form_submissions
		SET approval_status = $2, rejection_reason = $3, reviewed_by = $4, updated_at = $5
		WHERE id = $1 AND approval_status = ANY($6)
	`, s.ID, s.Status, s.RejectionReason, s.ReviewedBy, s.UpdatedAt, reviewableStatuses)
	if err != nil {
		return fmt.Errorf("save review %s: %w", s.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = r.db.QueryRow(ctx, `SELECT approval_status FROM form_submissions WHERE id = $1`, s.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check review %s: %w", s.ID, err)
	}
	return fmt.Errorf("%w: submission %s is already %s", ErrInvalidTransition, s.ID, current)
}

// DocumentKind selects which URL column a generated document is stored in.
type DocumentKind string

const (
	DocumentPrescription DocumentKind = "prescription"
	DocumentProviderNote DocumentKind = "provider_note"
)

// SetDocumentURL writes a generated document link back to the row.
func (r *Repository) SetDocumentURL(ctx context.Context, id string, kind DocumentKind, url string) error {
	column := "prescription_url"
	if kind == DocumentProviderNote {
		column = "provider_note_url"
	}
	if err := r.adopt(ctx, id); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE form_submissions SET `+column+` = $2, updated_at = NOW() WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("set %s url: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEligibility stores the automated eligibility verdict.
func (r *Repository) SetEligibility(ctx context.Context, id string, approved bool, reason string, at time.Time) error {
	if err := r.adopt(ctx, id); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE form_submissions
		SET ai_approved = $2, ai_reason = $3, ai_checked_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, approved, reason, at)
	if err != nil {
		return fmt.Errorf("set eligibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPaymentMethod records the customer and payment method used for billing.
func (r *Repository) SetPaymentMethod(ctx context.Context, id, customerID, paymentMethodID string) error {
	if err := r.adopt(ctx, id); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE form_submissions
		SET stripe_customer_id = $2, payment_method_id = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`, id, customerID, paymentMethodID)
	if err != nil {
		return fmt.Errorf("set payment method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
