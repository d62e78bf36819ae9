package survey

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
)

// Repository reads questionnaire_responses rows.
type Repository struct {
	db postgres.DBTX
}

// NewRepository creates a new repository
func NewRepository(db postgres.DBTX) *Repository {
	return &Repository{db: db}
}

const columns = `id, user_id, email, questionnaire, responses, created_at`

func collect(rows pgx.Rows) ([]*Response, error) {
	defer rows.Close()
	var out []*Response
	for rows.Next() {
		r := &Response{}
		if err := rows.Scan(&r.ID, &r.UserID, &r.Email, &r.Questionnaire, &r.Answers, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// List returns responses for a questionnaire, or all when name is empty.
func (r *Repository) List(ctx context.Context, questionnaire string) ([]*Response, error) {
	query := `SELECT ` + columns + ` FROM questionnaire_responses`
	var args []any
	if questionnaire != "" {
		query += ` WHERE questionnaire = $1`
		args = append(args, questionnaire)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list questionnaire responses: %w", err)
	}
	return collect(rows)
}

// Questionnaires lists the distinct questionnaire names.
func (r *Repository) Questionnaires(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT questionnaire FROM questionnaire_responses ORDER BY questionnaire`)
	if err != nil {
		return nil, fmt.Errorf("list questionnaires: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ListForPatient returns responses linked by user id or email, merged by id.
func (r *Repository) ListForPatient(ctx context.Context, userID, email string) ([]*Response, error) {
	var byUser, byEmail []*Response
	if userID != "" {
		rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM questionnaire_responses WHERE user_id = $1 ORDER BY created_at DESC`, userID)
		if err != nil {
			return nil, fmt.Errorf("list responses by user: %w", err)
		}
		if byUser, err = collect(rows); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(email) != "" {
		rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM questionnaire_responses WHERE lower(email) = lower($1) ORDER BY created_at DESC`, strings.TrimSpace(email))
		if err != nil {
			return nil, fmt.Errorf("list responses by email: %w", err)
		}
		if byEmail, err = collect(rows); err != nil {
			return nil, err
		}
	}
	return record.MergeByID((*Response).RecordID, byUser, byEmail), nil
}
