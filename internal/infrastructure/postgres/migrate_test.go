package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsOrdersAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"010_late.sql":  {Data: []byte("SELECT 10")},
		"002_next.sql":  {Data: []byte("SELECT 2")},
		"001_first.sql": {Data: []byte("SELECT 1")},
		"README.md":     {Data: []byte("docs")},
		"draft.sql":     {Data: []byte("SELECT 0")},
		"abc_x.sql":     {Data: []byte("SELECT 0")},
	}
	got, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	var versions []int
	for _, m := range got {
		versions = append(versions, m.Version)
	}
	if len(versions) != 3 || versions[0] != 1 || versions[1] != 2 || versions[2] != 10 {
		t.Errorf("versions = %v", versions)
	}
	if got[0].SQL != "SELECT 1" {
		t.Errorf("SQL = %q", got[0].SQL)
	}
}

func TestLoadMigrationsRejectsDuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1")},
		"001_b.sql": {Data: []byte("SELECT 1")},
	}
	if _, err := LoadMigrations(fsys); err == nil || !strings.Contains(err.Error(), "version 1") {
		t.Errorf("err = %v", err)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := LoadMigrations(Migrations())
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("no embedded migrations")
	}
	var all strings.Builder
	for _, m := range got {
		all.WriteString(m.SQL)
	}
	for _, table := range []string{"profiles", "form_submissions", "billing_history", "orders",
		"coupons", "questionnaire_responses", "provider_profiles", "user_roles", "outbox", "inbox"} {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("no migration creates %s", table)
		}
	}
}
