package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
)

// Repository reads and writes profiles rows.
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
	id, email, first_name, last_name, phone, date_of_birth, sex, height_feet, height_inches,
	weight_lbs, bmi, address_line1, address_line2, city, state, postal_code,
	stripe_customer_id, created_at, updated_at`

func scan(row pgx.Row) (*Profile, error) {
	p := &Profile{}
	err := row.Scan(
		&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.Phone, &p.DateOfBirth, &p.Sex,
		&p.HeightFeet, &p.HeightInches, &p.WeightLbs, &p.BMI, &p.AddressLine1, &p.AddressLine2,
		&p.City, &p.State, &p.PostalCode, &p.StripeCustomerID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Get loads a profile by id.
func (r *Repository) Get(ctx context.Context, id string) (*Profile, error) {
	p, err := scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM profiles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	return p, nil
}

// FindByEmail loads a profile by case-insensitive email.
func (r *Repository) FindByEmail(ctx context.Context, email string) (*Profile, error) {
	p, err := scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM profiles WHERE lower(email) = lower($1) LIMIT 1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find profile by email: %w", err)
	}
	return p, nil
}

// List returns every profile; filtering and ordering happen in memory.
func (r *Repository) List(ctx context.Context) ([]*Profile, error) {
	rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Save writes the editable fields. When expected is set the write only
// succeeds if the row still carries that updated_at, and ErrStale is
// returned otherwise.
func (r *Repository) Save(ctx context.Context, p *Profile, expected *time.Time) error {
	err := r.db.QueryRow(ctx, `
		UPDATE profiles
		SET first_name = $2, last_name = $3, phone = $4, sex = $5, height_feet = $6,
		    height_inches = $7, weight_lbs = $8, bmi = $9, address_line1 = $10,
		    address_line2 = $11, city = $12, state = $13, postal_code = $14, updated_at = NOW()
		WHERE id = $1 AND ($15::timestamptz IS NULL OR updated_at = $15)
		RETURNING updated_at
	`,
		p.ID, p.FirstName, p.LastName, p.Phone, p.Sex, p.HeightFeet, p.HeightInches,
		p.WeightLbs, p.BMI, p.AddressLine1, p.AddressLine2, p.City, p.State, p.PostalCode, expected,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if expected == nil {
			return ErrNotFound
		}
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check profile %s: %w", p.ID, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStale
	}
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}

// SetStripeCustomer stores the payment processor customer id.
func (r *Repository) SetStripeCustomer(ctx context.Context, id, customerID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE profiles SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1`, id, customerID)
	if err != nil {
		return fmt.Errorf("set stripe customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
