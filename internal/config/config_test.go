package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/clinic")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if len(cfg.AdminRoles) != 3 {
		t.Errorf("AdminRoles = %v", cfg.AdminRoles)
	}
	if cfg.SignedURLTTL != time.Hour {
		t.Errorf("SignedURLTTL = %v, want 1h", cfg.SignedURLTTL)
	}
	if !cfg.IsDev() {
		t.Error("expected development mode by default")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestValidateAPIRequiresJWTSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/clinic")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.ValidateAPI(); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}
}

func TestNewLogger(t *testing.T) {
	for _, tc := range []struct{ env, level string }{
		{"development", "debug"},
		{"production", "warn"},
		{"production", "nonsense"},
	} {
		cfg := &Config{Env: tc.env, LogLevel: tc.level}
		logger, err := cfg.NewLogger()
		if err != nil {
			t.Fatalf("NewLogger(%s, %s): %v", tc.env, tc.level, err)
		}
		logger.Sync()
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" admin, ,provider ")
	if len(got) != 2 || got[0] != "admin" || got[1] != "provider" {
		t.Errorf("splitList = %v", got)
	}
}
