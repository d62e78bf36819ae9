package staff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
)

// Repository reads and writes provider_profiles and user_roles.
type Repository struct {
	db postgres.DBTX
}

// NewRepository creates a new repository
func NewRepository(db postgres.DBTX) *Repository {
	return &Repository{db: db}
}

const providerColumns = `id, email, first_name, last_name, credentials, npi, specialty, license_state, created_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	p := &Provider{}
	err := row.Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.Credentials,
		&p.NPI, &p.Specialty, &p.LicenseState, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProvider loads a provider by user id.
func (r *Repository) GetProvider(ctx context.Context, id string) (*Provider, error) {
	p, err := scanProvider(r.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM provider_profiles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", id, err)
	}
	return p, nil
}

// ListMembers returns every provider with their roles.
func (r *Repository) ListMembers(ctx context.Context) ([]*Member, error) {
	rows, err := r.db.Query(ctx, `SELECT `+providerColumns+` FROM provider_profiles ORDER BY last_name, first_name`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	var members []*Member
	index := make(map[string]*Member)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		m := &Member{Provider: p, Roles: []string{}}
		members = append(members, m)
		index[p.ID] = m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	roleRows, err := r.db.Query(ctx, `SELECT user_id, role FROM user_roles ORDER BY role`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer roleRows.Close()
	for roleRows.Next() {
		var userID, role string
		if err := roleRows.Scan(&userID, &role); err != nil {
			return nil, err
		}
		if m, ok := index[userID]; ok {
			m.Roles = append(m.Roles, role)
		}
	}
	return members, roleRows.Err()
}

// CreateProvider inserts a validated provider profile.
func (r *Repository) CreateProvider(ctx context.Context, p *Provider) error {
	p.CreatedAt = time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO provider_profiles (`+providerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.Email, p.FirstName, p.LastName, p.Credentials, p.NPI, p.Specialty, p.LicenseState, p.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	return nil
}

// RolesFor returns the roles granted to a user.
func (r *Repository) RolesFor(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT role FROM user_roles WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// Grant adds a role; granting an existing role is a no-op.
func (r *Repository) Grant(ctx context.Context, userID, role, grantedBy string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_roles (user_id, role, granted_by, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, role) DO NOTHING
	`, userID, role, grantedBy)
	if err != nil {
		return fmt.Errorf("grant %s to %s: %w", role, userID, err)
	}
	return nil
}

// Revoke removes a role.
func (r *Repository) Revoke(ctx context.Context, userID, role string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role = $2`, userID, role)
	if err != nil {
		return fmt.Errorf("revoke %s from %s: %w", role, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
