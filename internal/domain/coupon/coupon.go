// Package coupon implements discount codes.
package coupon

import (
	"errors"
	"strings"
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/record"
)

var (
	ErrNotFound  = errors.New("coupon not found")
	ErrDuplicate = errors.New("coupon code already exists")
	ErrInactive  = errors.New("coupon is not active")
	ErrExpired   = errors.New("coupon has expired")
	ErrExhausted = errors.New("coupon redemption limit reached")
)

// Duration mirrors the payment processor's coupon durations.
type Duration string

const (
	DurationOnce      Duration = "once"
	DurationRepeating Duration = "repeating"
	DurationForever   Duration = "forever"
)

// Coupon is a coupons row.
type Coupon struct {
	ID             string     `json:"id"`
	Code           string     `json:"code"`
	Description    string     `json:"description"`
	PercentOff     *float64   `json:"percent_off,omitempty"`
	AmountOffCents *int64     `json:"amount_off_cents,omitempty"`
	Duration       Duration   `json:"duration"`
	DurationMonths *int       `json:"duration_months,omitempty"`
	MaxRedemptions *int       `json:"max_redemptions,omitempty"`
	TimesRedeemed  int        `json:"times_redeemed"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Active         bool       `json:"active"`
	StripeCouponID *string    `json:"stripe_coupon_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NormalizeCode upper-cases and trims a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks a coupon before it is written.
func (c *Coupon) Validate() error {
	c.Code = NormalizeCode(c.Code)
	if c.Code == "" {
		return &record.ValidationError{Field: "code", Message: "is required"}
	}
	if strings.ContainsAny(c.Code, " \t") {
		return &record.ValidationError{Field: "code", Message: "cannot contain spaces"}
	}
	switch {
	case c.PercentOff == nil && c.AmountOffCents == nil:
		return &record.ValidationError{Field: "percent_off", Message: "percent_off or amount_off_cents is required"}
	case c.PercentOff != nil && c.AmountOffCents != nil:
		return &record.ValidationError{Field: "percent_off", Message: "set only one of percent_off and amount_off_cents"}
	case c.PercentOff != nil && (*c.PercentOff <= 0 || *c.PercentOff > 100):
		return &record.ValidationError{Field: "percent_off", Message: "must be between 0 and 100"}
	case c.AmountOffCents != nil && *c.AmountOffCents <= 0:
		return &record.ValidationError{Field: "amount_off_cents", Message: "must be positive"}
	}
	switch c.Duration {
	case "":
		c.Duration = DurationOnce
	case DurationOnce, DurationForever:
	case DurationRepeating:
		if c.DurationMonths == nil || *c.DurationMonths <= 0 {
			return &record.ValidationError{Field: "duration_months", Message: "is required for repeating coupons"}
		}
	default:
		return &record.ValidationError{Field: "duration", Message: "must be once, repeating or forever"}
	}
	if c.MaxRedemptions != nil && *c.MaxRedemptions <= 0 {
		return &record.ValidationError{Field: "max_redemptions", Message: "must be positive"}
	}
	return nil
}

// Redeemable reports why the coupon cannot be applied at now, or nil.
func (c *Coupon) Redeemable(now time.Time) error {
	if !c.Active {
		return ErrInactive
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return ErrExpired
	}
	if c.MaxRedemptions != nil && c.TimesRedeemed >= *c.MaxRedemptions {
		return ErrExhausted
	}
	return nil
}

// Discount returns the amount taken off amountCents.
func (c *Coupon) Discount(amountCents int64) int64 {
	var off int64
	switch {
	case c.PercentOff != nil:
		off = int64(float64(amountCents) * *c.PercentOff / 100)
	case c.AmountOffCents != nil:
		off = *c.AmountOffCents
	}
	if off > amountCents {
		return amountCents
	}
	return off
}

// Patch carries editable coupon fields. Nil fields are left unchanged.
type Patch struct {
	Description    *string    `json:"description"`
	MaxRedemptions *int       `json:"max_redemptions"`
	ExpiresAt      *time.Time `json:"expires_at"`
	Active         *bool      `json:"active"`
}

// Apply copies set fields onto c.
func (p *Patch) Apply(c *Coupon) error {
	if p.Description != nil {
		c.Description = strings.TrimSpace(*p.Description)
	}
	if p.MaxRedemptions != nil {
		if *p.MaxRedemptions < c.TimesRedeemed {
			return &record.ValidationError{Field: "max_redemptions", Message: "cannot be below times redeemed"}
		}
		c.MaxRedemptions = p.MaxRedemptions
	}
	if p.ExpiresAt != nil {
		c.ExpiresAt = p.ExpiresAt
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}
