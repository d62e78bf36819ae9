package service

import (
	"context"
	"errors"
	"time"

	"github.com/trimwell/clinic-admin/internal/infrastructure/openai"
	"github.com/trimwell/clinic-admin/internal/infrastructure/s3"
	"github.com/trimwell/clinic-admin/internal/infrastructure/sendgrid"
	"github.com/trimwell/clinic-admin/internal/infrastructure/stripe"
	"github.com/trimwell/clinic-admin/pkg/idempotency"
)

var (
	// ErrPaymentDeclined is returned when the processor declines a charge.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrMissingPaymentMethod is returned when a patient has no card on file.
	ErrMissingPaymentMethod = errors.New("no payment method on file")
	// ErrUpstream wraps an external service that answered with something unusable.
	ErrUpstream = errors.New("upstream service error")
)

// Payments is the payment processor.
type Payments interface {
	CreateCustomer(ctx context.Context, req stripe.CustomerRequest) (string, error)
	Charge(ctx context.Context, req stripe.ChargeRequest) (*stripe.PaymentIntent, error)
	CreatePaymentIntent(ctx context.Context, req stripe.ChargeRequest) (*stripe.PaymentIntent, error)
	CreateSetupIntent(ctx context.Context, customerID string) (*stripe.SetupIntent, error)
	CreateSubscription(ctx context.Context, req stripe.SubscriptionRequest) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	ChangePrice(ctx context.Context, subscriptionID, priceID string) (*stripe.Subscription, error)
	ApplyCoupon(ctx context.Context, subscriptionID, couponID string) (*stripe.Subscription, error)
	TestPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*stripe.PaymentMethodCheck, error)
}

// Mailer sends a rendered email.
type Mailer interface {
	Send(ctx context.Context, msg *sendgrid.Message) error
}

// ObjectStore keeps generated documents.
type ObjectStore interface {
	PutDocument(ctx context.Context, patientID, kind string, data []byte) (*s3.Object, error)
}

// Assistant is the AI completion model.
type Assistant interface {
	CheckEligibility(ctx context.Context, summary string) (*openai.Verdict, error)
	DraftNote(ctx context.Context, summary string) (string, error)
}

// Idempotent runs an action at most once per key.
type Idempotent interface {
	Process(ctx context.Context, key, handlerName string, payload any, fn idempotency.ProcessFunc) (*idempotency.Result, error)
}

// Clock returns the current time.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c()
}
