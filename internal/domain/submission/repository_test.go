package submission

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

// scriptedDB records every statement and answers from the supplied funcs.
type scriptedDB struct {
	sql      []string
	exec     func(sql string) pgconn.CommandTag
	queryRow func(sql string) pgx.Row
}

func (d *scriptedDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.sql = append(d.sql, sql)
	if d.exec == nil {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return d.exec(sql), nil
}

func (d *scriptedDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("query not scripted")
}

func (d *scriptedDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	d.sql = append(d.sql, sql)
	return d.queryRow(sql)
}

var noRow = rowFunc(func(...any) error { return pgx.ErrNoRows })

func TestGetFallsBackToLegacyTable(t *testing.T) {
	db := &scriptedDB{queryRow: func(sql string) pgx.Row {
		if strings.Contains(sql, "FROM legacy_submissions") {
			return rowFunc(func(dest ...any) error {
				*dest[0].(*string) = "legacy-7"
				*dest[5].(*Status) = StatusPending
				return nil
			})
		}
		return noRow
	}}

	s, err := NewRepository(db).Get(context.Background(), "legacy-7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.ID != "legacy-7" || s.Status != StatusPending {
		t.Errorf("submission = %+v", s)
	}
	if len(db.sql) != 2 || !strings.Contains(db.sql[0], "FROM form_submissions") {
		t.Errorf("statements = %q", db.sql)
	}
}

func TestGetMissingFromBothTables(t *testing.T) {
	db := &scriptedDB{queryRow: func(string) pgx.Row { return noRow }}
	if _, err := NewRepository(db).Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWritesAdoptLegacyRowFirst(t *testing.T) {
	ctx := context.Background()
	writes := map[string]func(*Repository) error{
		"SaveReview": func(r *Repository) error {
			return r.SaveReview(ctx, &Submission{ID: "legacy-7", Status: StatusRejected, UpdatedAt: time.Now()})
		},
		"SetDocumentURL": func(r *Repository) error {
			return r.SetDocumentURL(ctx, "legacy-7", DocumentPrescription, "https://files.test/rx.pdf")
		},
		"SetEligibility": func(r *Repository) error {
			return r.SetEligibility(ctx, "legacy-7", true, "ok", time.Now())
		},
		"SetPaymentMethod": func(r *Repository) error {
			return r.SetPaymentMethod(ctx, "legacy-7", "cus_1", "pm_1")
		},
	}
	for name, write := range writes {
		t.Run(name, func(t *testing.T) {
			db := &scriptedDB{}
			if err := write(NewRepository(db)); err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if len(db.sql) != 2 {
				t.Fatalf("statements = %q", db.sql)
			}
			if !strings.Contains(db.sql[0], "INSERT INTO form_submissions") || !strings.Contains(db.sql[0], "FROM legacy_submissions") {
				t.Errorf("first statement = %q, want legacy adoption", db.sql[0])
			}
			if !strings.Contains(db.sql[1], "UPDATE form_submissions") {
				t.Errorf("second statement = %q", db.sql[1])
			}
		})
	}
}

func TestSaveReviewOnlyUpdatesReviewableRow(t *testing.T) {
	tests := []struct {
		name    string
		current pgx.Row
		want    error
	}{
		{
			name: "closed by another reviewer",
			current: rowFunc(func(dest ...any) error {
				*dest[0].(*string) = string(StatusApproved)
				return nil
			}),
			want: ErrInvalidTransition,
		},
		{name: "row missing", current: noRow, want: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &scriptedDB{
				exec: func(sql string) pgconn.CommandTag {
					if strings.Contains(sql, "INSERT") {
						return pgconn.NewCommandTag("INSERT 0 0")
					}
					return pgconn.NewCommandTag("UPDATE 0")
				},
				queryRow: func(string) pgx.Row { return tt.current },
			}
			s := &Submission{ID: "s-1", Status: StatusRejected, UpdatedAt: time.Now()}
			err := NewRepository(db).SaveReview(context.Background(), s)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !strings.Contains(db.sql[1], "approval_status = ANY($6)") {
				t.Errorf("update = %q, want a status guard", db.sql[1])
			}
		})
	}
}
