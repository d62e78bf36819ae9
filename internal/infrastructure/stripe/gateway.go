// Package stripe implements payment operations on the Stripe API. Every call
// runs through the stripe circuit breaker.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
)

// TestChargeCents is the amount confirmed and refunded to verify a card.
const TestChargeCents int64 = 100

// DeclineError reports a charge the card issuer refused.
type DeclineError struct {
	Code        string
	DeclineCode string
	Message     string
}

func (e *DeclineError) Error() string {
	if e.DeclineCode != "" {
		return fmt.Sprintf("payment declined (%s): %s", e.DeclineCode, e.Message)
	}
	return "payment declined: " + e.Message
}

// RequestError reports a request Stripe rejected as invalid.
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("stripe rejected request (%d %s): %s", e.Status, e.Code, e.Message)
}

// IsServiceFailure reports whether err indicates Stripe itself is unhealthy,
// as opposed to a bad card or a bad request.
func IsServiceFailure(err error) bool {
	if err == nil {
		return false
	}
	var se *stripego.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode >= http.StatusInternalServerError || se.HTTPStatusCode == http.StatusTooManyRequests
	}
	return true
}

// BreakerConfig returns the breaker settings used for Stripe.
func BreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(circuitbreaker.Stripe)
	cfg.IsFailure = IsServiceFailure
	return cfg
}

// Gateway performs payment operations.
type Gateway struct {
	api     *client.API
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewGateway creates a gateway for secretKey.
func NewGateway(secretKey string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		api:     client.New(secretKey, nil),
		breaker: breaker,
		logger:  logger,
	}
}

func call[T any](ctx context.Context, g *Gateway, op string, fn func() (T, error)) (T, error) {
	out, err := circuitbreaker.Do(ctx, g.breaker, func(context.Context) (T, error) { return fn() })
	if err != nil {
		var zero T
		g.logger.Warn("stripe call failed", zap.String("op", op), zap.Error(err))
		return zero, translate(err)
	}
	return out, nil
}

func translate(err error) error {
	var se *stripego.Error
	if !errors.As(err, &se) {
		return err
	}
	if se.Type == stripego.ErrorTypeCard {
		return &DeclineError{Code: string(se.Code), DeclineCode: string(se.DeclineCode), Message: se.Msg}
	}
	if se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
		return &RequestError{Status: se.HTTPStatusCode, Code: string(se.Code), Message: se.Msg}
	}
	return fmt.Errorf("stripe: %w", err)
}

// CreateCustomer creates a customer and returns its id.
func (g *Gateway) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	params := &stripego.CustomerParams{
		Email: stripego.String(req.Email),
		Name:  stripego.String(req.Name),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	c, err := call(ctx, g, "customers.create", func() (*stripego.Customer, error) {
		return g.api.Customers.New(params)
	})
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// Charge creates and confirms an off-session payment for a saved payment
// method. A declined card returns *DeclineError.
func (g *Gateway) Charge(ctx context.Context, req ChargeRequest) (*PaymentIntent, error) {
	params := &stripego.PaymentIntentParams{
		Amount:        stripego.Int64(req.AmountCents),
		Currency:      stripego.String(currencyOrUSD(req.Currency)),
		Customer:      stripego.String(req.CustomerID),
		PaymentMethod: stripego.String(req.PaymentMethodID),
		Description:   stripego.String(req.Description),
		Confirm:       stripego.Bool(true),
		OffSession:    stripego.Bool(true),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := call(ctx, g, "payment_intents.confirm", func() (*stripego.PaymentIntent, error) {
		return g.api.PaymentIntents.New(params)
	})
	if err != nil {
		return nil, err
	}
	if pi.Status != stripego.PaymentIntentStatusSucceeded && pi.Status != stripego.PaymentIntentStatusProcessing {
		return nil, &DeclineError{Code: string(pi.Status), Message: "payment requires customer action"}
	}
	return toPaymentIntent(pi), nil
}

// CreatePaymentIntent creates an unconfirmed intent for client-side
// confirmation.
func (g *Gateway) CreatePaymentIntent(ctx context.Context, req ChargeRequest) (*PaymentIntent, error) {
	params := &stripego.PaymentIntentParams{
		Amount:      stripego.Int64(req.AmountCents),
		Currency:    stripego.String(currencyOrUSD(req.Currency)),
		Description: stripego.String(req.Description),
		AutomaticPaymentMethods: &stripego.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripego.Bool(true),
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripego.String(req.CustomerID)
		params.SetupFutureUsage = stripego.String(string(stripego.PaymentIntentSetupFutureUsageOffSession))
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := call(ctx, g, "payment_intents.create", func() (*stripego.PaymentIntent, error) {
		return g.api.PaymentIntents.New(params)
	})
	if err != nil {
		return nil, err
	}
	return toPaymentIntent(pi), nil
}

// CreateSetupIntent creates an intent for saving a card for later
// off-session charges.
func (g *Gateway) CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error) {
	params := &stripego.SetupIntentParams{
		Customer:           stripego.String(customerID),
		PaymentMethodTypes: stripego.StringSlice([]string{"card"}),
		Usage:              stripego.String(string(stripego.SetupIntentUsageOffSession)),
	}
	params.Context = ctx

	si, err := call(ctx, g, "setup_intents.create", func() (*stripego.SetupIntent, error) {
		return g.api.SetupIntents.New(params)
	})
	if err != nil {
		return nil, err
	}
	return &SetupIntent{ID: si.ID, ClientSecret: si.ClientSecret, Status: string(si.Status)}, nil
}

// CreateSubscription starts a subscription on a price.
func (g *Gateway) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error) {
	params := &stripego.SubscriptionParams{
		Customer: stripego.String(req.CustomerID),
		Items: []*stripego.SubscriptionItemsParams{
			{Price: stripego.String(req.PriceID)},
		},
	}
	if req.PaymentMethodID != "" {
		params.DefaultPaymentMethod = stripego.String(req.PaymentMethodID)
	}
	if req.CouponID != "" {
		params.Coupon = stripego.String(req.CouponID)
	}
	if req.TrialEnd != nil {
		params.TrialEnd = stripego.Int64(req.TrialEnd.Unix())
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sub, err := call(ctx, g, "subscriptions.create", func() (*stripego.Subscription, error) {
		return g.api.Subscriptions.New(params)
	})
	if err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// CancelSubscription cancels immediately.
func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripego.SubscriptionCancelParams{}
	params.Context = ctx

	sub, err := call(ctx, g, "subscriptions.cancel", func() (*stripego.Subscription, error) {
		return g.api.Subscriptions.Cancel(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// ChangePrice moves a subscription's first item to priceID with prorations.
func (g *Gateway) ChangePrice(ctx context.Context, subscriptionID, priceID string) (*Subscription, error) {
	getParams := &stripego.SubscriptionParams{}
	getParams.Context = ctx
	current, err := call(ctx, g, "subscriptions.get", func() (*stripego.Subscription, error) {
		return g.api.Subscriptions.Get(subscriptionID, getParams)
	})
	if err != nil {
		return nil, err
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, &RequestError{Status: http.StatusBadRequest, Code: "no_items", Message: "subscription has no items"}
	}

	params := &stripego.SubscriptionParams{
		Items: []*stripego.SubscriptionItemsParams{
			{ID: stripego.String(current.Items.Data[0].ID), Price: stripego.String(priceID)},
		},
		ProrationBehavior: stripego.String("create_prorations"),
	}
	params.Context = ctx

	sub, err := call(ctx, g, "subscriptions.update", func() (*stripego.Subscription, error) {
		return g.api.Subscriptions.Update(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// ApplyCoupon attaches a processor coupon to a subscription.
func (g *Gateway) ApplyCoupon(ctx context.Context, subscriptionID, couponID string) (*Subscription, error) {
	params := &stripego.SubscriptionParams{Coupon: stripego.String(couponID)}
	params.Context = ctx

	sub, err := call(ctx, g, "subscriptions.apply_coupon", func() (*stripego.Subscription, error) {
		return g.api.Subscriptions.Update(subscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// TestPaymentMethod confirms a small charge on the card and refunds it.
// A declined card yields Valid=false rather than an error.
func (g *Gateway) TestPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*PaymentMethodCheck, error) {
	pi, err := g.Charge(ctx, ChargeRequest{
		CustomerID:      customerID,
		PaymentMethodID: paymentMethodID,
		AmountCents:     TestChargeCents,
		Description:     "Card verification (refunded)",
		Metadata:        map[string]string{"purpose": "card_verification"},
	})
	var decline *DeclineError
	if errors.As(err, &decline) {
		return &PaymentMethodCheck{Valid: false, Reason: decline.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	params := &stripego.RefundParams{PaymentIntent: stripego.String(pi.ID)}
	params.Context = ctx
	refund, err := call(ctx, g, "refunds.create", func() (*stripego.Refund, error) {
		return g.api.Refunds.New(params)
	})
	if err != nil {
		g.logger.Error("verification charge not refunded",
			zap.String("payment_intent_id", pi.ID),
			zap.Error(err))
		return nil, fmt.Errorf("refund verification charge %s: %w", pi.ID, err)
	}
	return &PaymentMethodCheck{Valid: true, PaymentIntentID: pi.ID, RefundID: refund.ID}, nil
}

func currencyOrUSD(c string) string {
	if c == "" {
		return string(stripego.CurrencyUSD)
	}
	return c
}

func toPaymentIntent(pi *stripego.PaymentIntent) *PaymentIntent {
	return &PaymentIntent{
		ID:           pi.ID,
		Status:       string(pi.Status),
		AmountCents:  pi.Amount,
		ClientSecret: pi.ClientSecret,
	}
}

func toSubscription(s *stripego.Subscription) *Subscription {
	out := &Subscription{
		ID:     s.ID,
		Status: string(s.Status),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		out.PriceID = s.Items.Data[0].Price.ID
		out.AmountCents = s.Items.Data[0].Price.UnitAmount
	}
	if s.CurrentPeriodStart > 0 {
		out.CurrentPeriodStart = time.Unix(s.CurrentPeriodStart, 0).UTC()
	}
	if s.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	return out
}
