package coupon

import (
	"errors"
	"testing"
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/record"
)

func ptr[T any](v T) *T { return &v }

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		c     Coupon
		field string
	}{
		{"ok percent", Coupon{Code: " spring20 ", PercentOff: ptr(20.0)}, ""},
		{"ok amount", Coupon{Code: "TENOFF", AmountOffCents: ptr(int64(1000)), Duration: DurationForever}, ""},
		{"no code", Coupon{PercentOff: ptr(10.0)}, "code"},
		{"space in code", Coupon{Code: "TEN OFF", PercentOff: ptr(10.0)}, "code"},
		{"no discount", Coupon{Code: "X"}, "percent_off"},
		{"both discounts", Coupon{Code: "X", PercentOff: ptr(10.0), AmountOffCents: ptr(int64(5))}, "percent_off"},
		{"percent over 100", Coupon{Code: "X", PercentOff: ptr(120.0)}, "percent_off"},
		{"repeating without months", Coupon{Code: "X", PercentOff: ptr(10.0), Duration: DurationRepeating}, "duration_months"},
		{"bad duration", Coupon{Code: "X", PercentOff: ptr(10.0), Duration: "weekly"}, "duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			var verr *record.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("err = %v, want validation error on %s", err, tt.field)
			}
		})
	}
}

func TestValidateNormalizesCode(t *testing.T) {
	c := Coupon{Code: " spring20 ", PercentOff: ptr(20.0)}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.Code != "SPRING20" || c.Duration != DurationOnce {
		t.Errorf("after Validate: code=%q duration=%q", c.Code, c.Duration)
	}
}

func TestRedeemable(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		c    Coupon
		want error
	}{
		{"active", Coupon{Active: true}, nil},
		{"inactive", Coupon{Active: false}, ErrInactive},
		{"expired", Coupon{Active: true, ExpiresAt: ptr(now)}, ErrExpired},
		{"future expiry", Coupon{Active: true, ExpiresAt: ptr(now.Add(time.Hour))}, nil},
		{"exhausted", Coupon{Active: true, MaxRedemptions: ptr(3), TimesRedeemed: 3}, ErrExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Redeemable(now); !errors.Is(got, tt.want) {
				t.Errorf("Redeemable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiscount(t *testing.T) {
	pct := Coupon{PercentOff: ptr(25.0)}
	if got := pct.Discount(29900); got != 7475 {
		t.Errorf("percent discount = %d", got)
	}
	flat := Coupon{AmountOffCents: ptr(int64(10000))}
	if got := flat.Discount(4900); got != 4900 {
		t.Errorf("flat discount capped = %d", got)
	}
}

func TestPatchRejectsLimitBelowRedeemed(t *testing.T) {
	c := &Coupon{TimesRedeemed: 5}
	p := Patch{MaxRedemptions: ptr(2)}
	var verr *record.ValidationError
	if err := p.Apply(c); !errors.As(err, &verr) {
		t.Errorf("err = %v", err)
	}
}
