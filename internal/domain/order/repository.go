package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
)

// Repository reads and writes orders rows.
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
	id, user_id, email, submission_id, patient_name, product, category, quantity, status,
	carrier, tracking_number, shipped_at, fulfilled_at, created_at, updated_at`

func scan(row pgx.Row) (*Order, error) {
	o := &Order{}
	err := row.Scan(
		&o.ID, &o.UserID, &o.Email, &o.SubmissionID, &o.PatientName, &o.Product, &o.Category,
		&o.Quantity, &o.Status, &o.Carrier, &o.TrackingNumber, &o.ShippedAt, &o.FulfilledAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func collect(rows pgx.Rows) ([]*Order, error) {
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		o, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Get loads an order by id.
func (r *Repository) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// List returns orders newest first, optionally restricted to one status.
func (r *Repository) List(ctx context.Context, status Status) ([]*Order, error) {
	query := `SELECT ` + columns + ` FROM orders`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return collect(rows)
}

// ListForPatient returns orders linked by user id or email, merged by id.
func (r *Repository) ListForPatient(ctx context.Context, userID, email string) ([]*Order, error) {
	var byUser, byEmail []*Order
	if userID != "" {
		rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
		if err != nil {
			return nil, fmt.Errorf("list orders by user: %w", err)
		}
		if byUser, err = collect(rows); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(email) != "" {
		rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM orders WHERE lower(email) = lower($1) ORDER BY created_at DESC`, strings.TrimSpace(email))
		if err != nil {
			return nil, fmt.Errorf("list orders by email: %w", err)
		}
		if byEmail, err = collect(rows); err != nil {
			return nil, err
		}
	}
	return record.MergeByID((*Order).RecordID, byUser, byEmail), nil
}

// SaveFulfillment persists status, tracking and fulfillment fields.
func (r *Repository) SaveFulfillment(ctx context.Context, o *Order) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = $2, carrier = $3, tracking_number = $4, shipped_at = $5,
		    fulfilled_at = $6, updated_at = $7
		WHERE id = $1
	`, o.ID, o.Status, o.Carrier, o.TrackingNumber, o.ShippedAt, o.FulfilledAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
