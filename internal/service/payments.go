package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/domain/billing"
	"github.com/trimwell/clinic-admin/internal/domain/coupon"
	"github.com/trimwell/clinic-admin/internal/domain/patient"
	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
	"github.com/trimwell/clinic-admin/internal/infrastructure/stripe"
	"github.com/trimwell/clinic-admin/pkg/idempotency"
)

// PaymentService exposes the payment functions used by the portal.
type PaymentService struct {
	patients PatientStore
	billing  BillingStore
	coupons  CouponStore
	payments Payments
	clock    Clock
	logger   *zap.Logger
}

// NewPaymentService creates a PaymentService.
func NewPaymentService(patients PatientStore, bills BillingStore, coupons CouponStore, payments Payments, clock Clock, logger *zap.Logger) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{
		patients: patients,
		billing:  bills,
		coupons:  coupons,
		payments: payments,
		clock:    clock,
		logger:   logger,
	}
}

// EnsureCustomer returns the patient's processor customer, creating it on
// first use.
func (s *PaymentService) EnsureCustomer(ctx context.Context, patientID string) (*patient.Profile, string, error) {
	p, err := s.patients.GetPatient(ctx, patientID)
	if err != nil {
		return nil, "", err
	}
	if id := record.Deref(p.StripeCustomerID); id != "" {
		return p, id, nil
	}
	id, err := s.payments.CreateCustomer(ctx, stripe.CustomerRequest{
		Email:          p.Email,
		Name:           p.FullName(),
		Metadata:       map[string]string{"patient_id": p.ID},
		IdempotencyKey: idempotency.GenerateKey(p.ID, "customer"),
	})
	if err != nil {
		return nil, "", err
	}
	if err := s.patients.SetStripeCustomer(ctx, p.ID, id); err != nil {
		return nil, "", err
	}
	p.StripeCustomerID = &id
	s.logger.Info("customer created", zap.String("patient_id", p.ID), zap.String("customer_id", id))
	return p, id, nil
}

// SubscribeRequest starts a plan for a patient.
type SubscribeRequest struct {
	PatientID       string              `json:"patient_id"`
	Category        submission.Category `json:"category"`
	PaymentMethodID string              `json:"payment_method_id"`
	CouponCode      string              `json:"coupon_code,omitempty"`
}

// Subscribe creates a subscription for the category's monthly plan and
// records it in billing history.
func (s *PaymentService) Subscribe(ctx context.Context, req SubscribeRequest) (*stripe.Subscription, error) {
	if strings.TrimSpace(req.PaymentMethodID) == "" {
		return nil, &record.ValidationError{Field: "payment_method_id", Message: "is required"}
	}
	p, customerID, err := s.EnsureCustomer(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	entry := submission.Catalog(req.Category)

	var couponID string
	if req.CouponCode != "" {
		c, err := s.redeem(ctx, req.CouponCode)
		if err != nil {
			return nil, err
		}
		couponID = processorCoupon(c)
	}

	sub, err := s.payments.CreateSubscription(ctx, stripe.SubscriptionRequest{
		CustomerID:      customerID,
		PriceID:         entry.StripePrice,
		PaymentMethodID: req.PaymentMethodID,
		CouponID:        couponID,
		Metadata:        map[string]string{"patient_id": p.ID, "category": string(entry.Category)},
		IdempotencyKey:  idempotency.GenerateKey(p.ID, "subscribe", string(entry.Category), req.PaymentMethodID),
	})
	if err != nil {
		return nil, err
	}

	amount := sub.AmountCents
	if amount == 0 {
		amount = entry.MonthlyCents
	}
	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if start.IsZero() {
		start = s.clock.now()
		end = start.AddDate(0, 1, 0)
	}
	email := p.Email
	if err := s.billing.InsertBilling(ctx, &billing.Record{
		UserID:               &p.ID,
		Email:                &email,
		Description:          entry.DisplayName + " - Monthly",
		Category:             string(entry.Category),
		AmountCents:          amount,
		Status:               billing.StatusActive,
		IsRecurring:          true,
		StripeSubscriptionID: &sub.ID,
		PeriodStart:          &start,
		PeriodEnd:            &end,
		CreatedAt:            s.clock.now(),
	}); err != nil {
		return nil, err
	}
	return sub, nil
}

// CancelSubscription cancels at the processor and closes the billing rows.
func (s *PaymentService) CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	sub, err := s.payments.CancelSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := s.billing.CancelSubscription(ctx, subscriptionID, s.clock.now()); err != nil {
		if !errors.Is(err, billing.ErrNotFound) {
			return nil, err
		}
		s.logger.Warn("canceled subscription has no billing rows", zap.String("subscription_id", subscriptionID))
	}
	return sub, nil
}

// ChangePlan moves a subscription to another category's price with
// proration.
func (s *PaymentService) ChangePlan(ctx context.Context, subscriptionID string, category submission.Category) (*stripe.Subscription, error) {
	return s.payments.ChangePrice(ctx, subscriptionID, submission.Catalog(category).StripePrice)
}

// ApplyCoupon attaches a discount code to a subscription. The code must be
// active, unexpired and under its redemption limit.
func (s *PaymentService) ApplyCoupon(ctx context.Context, subscriptionID, code string) (*stripe.Subscription, error) {
	c, err := s.redeem(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.payments.ApplyCoupon(ctx, subscriptionID, processorCoupon(c))
}

// redeem validates code and takes one redemption. The conditional
// increment keeps concurrent redemptions under the limit.
func (s *PaymentService) redeem(ctx context.Context, code string) (*coupon.Coupon, error) {
	code = coupon.NormalizeCode(code)
	if code == "" {
		return nil, &record.ValidationError{Field: "coupon_code", Message: "is required"}
	}
	c, err := s.coupons.GetCouponByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := c.Redeemable(s.clock.now()); err != nil {
		return nil, fmt.Errorf("coupon %s: %w", c.Code, err)
	}
	if err := s.coupons.RedeemCoupon(ctx, c.ID); err != nil {
		return nil, fmt.Errorf("coupon %s: %w", c.Code, err)
	}
	return c, nil
}

func processorCoupon(c *coupon.Coupon) string {
	return record.FirstNonEmpty(record.Deref(c.StripeCouponID), c.Code)
}

// PaymentIntentRequest describes a one-off charge the client confirms.
type PaymentIntentRequest struct {
	PatientID   string `json:"patient_id"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
}

// CreatePaymentIntent creates an intent for the client to confirm.
func (s *PaymentService) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*stripe.PaymentIntent, error) {
	if req.AmountCents <= 0 {
		return nil, &record.ValidationError{Field: "amount_cents", Message: "must be positive"}
	}
	_, customerID, err := s.EnsureCustomer(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	return s.payments.CreatePaymentIntent(ctx, stripe.ChargeRequest{
		CustomerID:  customerID,
		AmountCents: req.AmountCents,
		Currency:    "usd",
		Description: req.Description,
		Metadata:    map[string]string{"patient_id": req.PatientID},
	})
}

// CreateSetupIntent lets the client save a card for later charges.
func (s *PaymentService) CreateSetupIntent(ctx context.Context, patientID string) (*stripe.SetupIntent, error) {
	_, customerID, err := s.EnsureCustomer(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return s.payments.CreateSetupIntent(ctx, customerID)
}

// TestPaymentMethod runs a refunded verification charge on a card.
func (s *PaymentService) TestPaymentMethod(ctx context.Context, patientID, paymentMethodID string) (*stripe.PaymentMethodCheck, error) {
	if strings.TrimSpace(paymentMethodID) == "" {
		return nil, &record.ValidationError{Field: "payment_method_id", Message: "is required"}
	}
	_, customerID, err := s.EnsureCustomer(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return s.payments.TestPaymentMethod(ctx, customerID, paymentMethodID)
}
