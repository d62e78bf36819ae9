package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Minute
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	fail := func(context.Context) (any, error) { return nil, errBoom }
	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}

	if cb.Current() != StateOpen {
		t.Fatalf("state = %s, want open", cb.Current())
	}
	if _, err := cb.Execute(context.Background(), fail); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

func TestIsFailureExcludesRequestErrors(t *testing.T) {
	declined := errors.New("card declined")
	cfg := DefaultConfig("payments")
	cfg.FailureThreshold = 1
	cfg.IsFailure = func(err error) bool { return err != nil && !errors.Is(err, declined) }
	cb, _ := New(cfg, nil)

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func(context.Context) (any, error) { return nil, declined })
		if !errors.Is(err, declined) {
			t.Fatalf("err = %v", err)
		}
	}
	if cb.Current() != StateClosed {
		t.Errorf("state = %s, want closed", cb.Current())
	}
}

func TestDoTyped(t *testing.T) {
	cb, _ := New(DefaultConfig("typed"), nil)
	got, err := Do(context.Background(), cb, func(context.Context) (string, error) { return "pi_123", nil })
	if err != nil || got != "pi_123" {
		t.Errorf("Do = %q, %v", got, err)
	}
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(nil)
	m.Configure(Config{Name: Stripe, MaxRequests: 1, FailureThreshold: 1, MinRequests: 1, FailureRatio: 1})

	a, err := m.Breaker(Stripe)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.Breaker(Stripe)
	if a != b {
		t.Error("expected the same breaker instance")
	}
	if _, err := m.Breaker(SendGrid); err != nil {
		t.Fatal(err)
	}

	statuses := m.Snapshot()
	if len(statuses) != 2 || statuses[0].Name != SendGrid || !statuses[0].Healthy {
		t.Errorf("statuses = %+v", statuses)
	}
}
