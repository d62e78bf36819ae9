package stripe

import "time"

// CustomerRequest describes a customer to create.
type CustomerRequest struct {
	Email          string
	Name           string
	Metadata       map[string]string
	IdempotencyKey string
}

// ChargeRequest describes a payment.
type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
	Description     string
	Metadata        map[string]string
	IdempotencyKey  string
}

// PaymentIntent is the subset of a Stripe payment intent the clinic uses.
type PaymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AmountCents  int64  `json:"amount_cents"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// SetupIntent is the subset of a Stripe setup intent the clinic uses.
type SetupIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// SubscriptionRequest describes a subscription to start.
type SubscriptionRequest struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	CouponID        string
	TrialEnd        *time.Time
	Metadata        map[string]string
	IdempotencyKey  string
}

// Subscription is the subset of a Stripe subscription the clinic uses.
type Subscription struct {
	ID                 string    `json:"id"`
	Status             string    `json:"status"`
	CustomerID         string    `json:"customer_id"`
	PriceID            string    `json:"price_id,omitempty"`
	AmountCents        int64     `json:"amount_cents,omitempty"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
}

// PaymentMethodCheck is the outcome of a verification charge.
type PaymentMethodCheck struct {
	Valid           bool   `json:"valid"`
	Reason          string `json:"reason,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	RefundID        string `json:"refund_id,omitempty"`
}
