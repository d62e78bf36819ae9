package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/billing"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
	"github.com/trimwell/clinic-admin/internal/infrastructure/redpanda"
)

func TestPrintLag(t *testing.T) {
	var buf bytes.Buffer
	printLag(&buf, "g", []redpanda.PartitionLag{
		{Topic: "dead.letter", Partition: 0, Lag: 0},
		{Topic: "notifications.email", Partition: 0, Lag: 2},
		{Topic: "notifications.email", Partition: 1, Lag: 4},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("lines = %q", lines)
	}
	if fields := strings.Fields(lines[4]); fields[len(fields)-1] != "6" {
		t.Errorf("total line = %q", lines[4])
	}
}

func TestPrintAnalytics(t *testing.T) {
	var buf bytes.Buffer
	printAnalytics(&buf, &billing.Analytics{
		ActiveSubscribers: 3,
		MRRCents:          59700,
		MRRByCategory:     map[string]int64{"weight_loss": 59700},
	})
	out := buf.String()
	for _, want := range []string{"$597.00", "weight_loss", "Active subscribers"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRemindersRejectsDaysOutOfRange(t *testing.T) {
	cmd := remindersCmd()
	cmd.SetArgs([]string{"send", "--days", "0"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "between 1 and 60") {
		t.Errorf("err = %v", err)
	}
}

func TestPrintMigrations(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrations(&buf, []postgres.MigrationStatus{
		{Version: 1, Name: "001_core.sql", AppliedAt: &at},
		{Version: 2, Name: "002_commerce.sql"},
	})
	out := buf.String()
	if !strings.Contains(out, "2026-03-01T12:00:00Z") || !strings.Contains(out, "pending") {
		t.Errorf("output:\n%s", out)
	}
}

func TestPrintOutboxStats(t *testing.T) {
	var buf bytes.Buffer
	printOutboxStats(&buf, &postgres.OutboxStats{Pending: 12, Retrying: 3, DeadLettered: 1, OldestAge: 90*time.Second + 400*time.Millisecond})
	out := buf.String()
	for _, want := range []string{"Pending", "12", "Dead lettered", "1m30s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPruneRejectsShortAge(t *testing.T) {
	cmd := messagingCmd()
	cmd.SetArgs([]string{"prune", "--older-than", "5m"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "at least 1h") {
		t.Errorf("err = %v", err)
	}
}
