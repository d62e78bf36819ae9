package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
)

const uniqueViolation = "23505"

// Repository reads and writes coupons rows.
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
	id, code, description, percent_off, amount_off_cents, duration, duration_months,
	max_redemptions, times_redeemed, expires_at, active, stripe_coupon_id, created_at, updated_at`

func scan(row pgx.Row) (*Coupon, error) {
	c := &Coupon{}
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &c.PercentOff, &c.AmountOffCents, &c.Duration,
		&c.DurationMonths, &c.MaxRedemptions, &c.TimesRedeemed, &c.ExpiresAt, &c.Active,
		&c.StripeCouponID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns all coupons, active first.
func (r *Repository) List(ctx context.Context) ([]*Coupon, error) {
	rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM coupons ORDER BY active DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list coupons: %w", err)
	}
	defer rows.Close()

	var out []*Coupon
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get loads a coupon by id.
func (r *Repository) Get(ctx context.Context, id string) (*Coupon, error) {
	return r.getBy(ctx, "id", id)
}

// GetByCode loads a coupon by its normalized code.
func (r *Repository) GetByCode(ctx context.Context, code string) (*Coupon, error) {
	return r.getBy(ctx, "code", NormalizeCode(code))
}

func (r *Repository) getBy(ctx context.Context, column, value string) (*Coupon, error) {
	c, err := scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM coupons WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return c, nil
}

// Create inserts a validated coupon.
func (r *Repository) Create(ctx context.Context, c *Coupon) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := r.db.Exec(ctx, `
		INSERT INTO coupons (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		c.ID, c.Code, c.Description, c.PercentOff, c.AmountOffCents, c.Duration, c.DurationMonths,
		c.MaxRedemptions, c.TimesRedeemed, c.ExpiresAt, c.Active, c.StripeCouponID, c.CreatedAt, c.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create coupon: %w", err)
	}
	return nil
}

// Save persists the editable fields.
func (r *Repository) Save(ctx context.Context, c *Coupon) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE coupons
		SET description = $2, max_redemptions = $3, expires_at = $4, active = $5,
		    stripe_coupon_id = $6, updated_at = $7
		WHERE id = $1
	`, c.ID, c.Description, c.MaxRedemptions, c.ExpiresAt, c.Active, c.StripeCouponID, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save coupon %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate switches a coupon off.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE coupons SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate coupon %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Redeem increments times_redeemed if the coupon is still active, unexpired
// and under its limit. A refusal reports which of those failed.
func (r *Repository) Redeem(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE coupons
		SET times_redeemed = times_redeemed + 1, updated_at = NOW()
		WHERE id = $1 AND active
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND (max_redemptions IS NULL OR times_redeemed < max_redemptions)
	`, id)
	if err != nil {
		return fmt.Errorf("redeem coupon %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	c, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Redeemable(time.Now()); err != nil {
		return err
	}
	return ErrExhausted
}
