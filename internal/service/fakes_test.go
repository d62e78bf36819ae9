package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/billing"
	"github.com/trimwell/clinic-admin/internal/domain/coupon"
	"github.com/trimwell/clinic-admin/internal/domain/order"
	"github.com/trimwell/clinic-admin/internal/domain/patient"
	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
	"github.com/trimwell/clinic-admin/internal/infrastructure/openai"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
	"github.com/trimwell/clinic-admin/internal/infrastructure/s3"
	"github.com/trimwell/clinic-admin/internal/infrastructure/sendgrid"
	"github.com/trimwell/clinic-admin/internal/infrastructure/stripe"
	"github.com/trimwell/clinic-admin/pkg/idempotency"
)

var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func fixedClock() Clock { return func() time.Time { return testNow } }

func ptr[T any](v T) *T { return &v }

// memStore implements every store interface in memory.
type memStore struct {
	mu          sync.Mutex
	submissions map[string]*submission.Submission
	patients    map[string]*patient.Profile
	orders      map[string]*order.Order
	coupons     map[string]*coupon.Coupon
	bills       []*billing.Record
	outbox      []*postgres.OutboxEntry
	events      []*submission.Event
	eligibility map[string]bool
	docURLs     map[string]string
	reserved    map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		submissions: map[string]*submission.Submission{},
		patients:    map[string]*patient.Profile{},
		orders:      map[string]*order.Order{},
		coupons:     map[string]*coupon.Coupon{},
		eligibility: map[string]bool{},
		docURLs:     map[string]string{},
		reserved:    map[string]bool{},
	}
}

func (m *memStore) GetSubmission(_ context.Context, id string) (*submission.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, submission.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ReviewQueue(_ context.Context, f submission.ListFilter) ([]*submission.Submission, error) {
	var out []*submission.Submission
	for _, s := range m.submissions {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) SetEligibility(_ context.Context, id string, approved bool, reason string, at time.Time) error {
	m.eligibility[id] = approved
	s := m.submissions[id]
	s.AIApproved, s.AIReason, s.AICheckedAt = &approved, &reason, &at
	return nil
}

func (m *memStore) SetDocumentURL(_ context.Context, id string, kind submission.DocumentKind, url string) error {
	m.docURLs[id+"/"+string(kind)] = url
	return nil
}

func (m *memStore) SetPaymentMethod(_ context.Context, id, customerID, pm string) error {
	s := m.submissions[id]
	s.StripeCustomerID, s.PaymentMethodID = &customerID, &pm
	return nil
}

func (m *memStore) ReserveReview(_ context.Context, id string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved[id] {
		return nil, submission.ErrReviewInProgress
	}
	m.reserved[id] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.reserved, id)
	}, nil
}

// CommitReview applies the same status guard as the SQL update.
func (m *memStore) CommitReview(_ context.Context, s *submission.Submission, bills []*billing.Record, extra []*postgres.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.submissions[s.ID]
	if !ok {
		return submission.ErrNotFound
	}
	if stored.IsTerminal() {
		return fmt.Errorf("%w: submission %s is already %s", submission.ErrInvalidTransition, s.ID, stored.Status)
	}
	cp := *s
	m.submissions[s.ID] = &cp
	m.bills = append(m.bills, bills...)
	m.events = append(m.events, s.Changes()...)
	m.outbox = append(m.outbox, extra...)
	s.ClearChanges()
	return nil
}

func (m *memStore) GetPatient(_ context.Context, id string) (*patient.Profile, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) FindPatientByEmail(_ context.Context, email string) (*patient.Profile, error) {
	for _, p := range m.patients {
		if record.SameEmail(p.Email, email) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, patient.ErrNotFound
}

func (m *memStore) ListPatients(context.Context) ([]*patient.Profile, error) {
	var out []*patient.Profile
	for _, p := range m.patients {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) SavePatient(_ context.Context, p *patient.Profile, expected *time.Time) error {
	cur, ok := m.patients[p.ID]
	if !ok {
		return patient.ErrNotFound
	}
	if expected != nil && !cur.UpdatedAt.Equal(*expected) {
		return patient.ErrStale
	}
	p.UpdatedAt = testNow
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *memStore) SetStripeCustomer(_ context.Context, id, customerID string) error {
	m.patients[id].StripeCustomerID = &customerID
	return nil
}

func (m *memStore) PatientSources(_ context.Context, p *patient.Profile) (patient.Sources, error) {
	var subs []*submission.Submission
	for _, s := range m.submissions {
		subs = append(subs, s)
	}
	return patient.Sources{
		Submissions: [][]*submission.Submission{subs},
		Billing:     [][]*billing.Record{m.bills},
	}, nil
}

func (m *memStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) ListOrders(_ context.Context, status order.Status) ([]*order.Order, error) {
	var out []*order.Order
	for _, o := range m.orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) CommitFulfillment(_ context.Context, o *order.Order, entries []*postgres.OutboxEntry) error {
	cp := *o
	m.orders[o.ID] = &cp
	m.outbox = append(m.outbox, entries...)
	return nil
}

func (m *memStore) InsertBilling(_ context.Context, rec *billing.Record) error {
	m.bills = append(m.bills, rec)
	return nil
}

func (m *memStore) ListRecurring(context.Context) ([]*billing.Record, error) {
	var out []*billing.Record
	for _, b := range m.bills {
		if b.IsRecurring {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) EndingWithin(_ context.Context, now time.Time, days int) ([]*billing.Record, error) {
	var out []*billing.Record
	limit := now.AddDate(0, 0, days)
	for _, b := range m.bills {
		if b.IsRecurring && b.PeriodEnd != nil && !b.PeriodEnd.Before(now) && !b.PeriodEnd.After(limit) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) CancelSubscription(_ context.Context, subscriptionID string, at time.Time) error {
	found := false
	for _, b := range m.bills {
		if b.StripeSubscriptionID != nil && *b.StripeSubscriptionID == subscriptionID {
			b.Status, b.CanceledAt = billing.StatusCanceled, &at
			found = true
		}
	}
	if !found {
		return billing.ErrNotFound
	}
	return nil
}

func (m *memStore) QueueEmails(_ context.Context, entries []*postgres.OutboxEntry) error {
	m.outbox = append(m.outbox, entries...)
	return nil
}

func (m *memStore) GetCouponByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	for _, c := range m.coupons {
		if c.Code == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, coupon.ErrNotFound
}

func (m *memStore) RedeemCoupon(_ context.Context, id string) error {
	c := m.coupons[id]
	if err := c.Redeemable(time.Now()); err != nil {
		return err
	}
	c.TimesRedeemed++
	return nil
}

func (m *memStore) outboxTopics() []string {
	var out []string
	for _, e := range m.outbox {
		out = append(out, e.Topic+"/"+e.EventType)
	}
	return out
}

// memInbox mirrors idempotency.Inbox without a database.
type memInbox struct {
	entries map[string]*idempotency.Entry
}

func newMemInbox() *memInbox { return &memInbox{entries: map[string]*idempotency.Entry{}} }

func (i *memInbox) Process(ctx context.Context, key, handler string, _ any, fn idempotency.ProcessFunc) (*idempotency.Result, error) {
	if e, ok := i.entries[key]; ok {
		switch e.Status {
		case idempotency.StatusFinished:
			return &idempotency.Result{Replayed: true, Value: e.Result}, nil
		case idempotency.StatusFailed:
			return nil, fmt.Errorf("%w: %s", idempotency.ErrPreviouslyFailed, key)
		}
	}
	value, err := fn(ctx)
	if err != nil {
		status := idempotency.StatusRecoverable
		if idempotency.IsTerminal(err) {
			status = idempotency.StatusFailed
		}
		i.entries[key] = &idempotency.Entry{IdempotencyKey: key, HandlerName: handler, Status: status}
		return nil, err
	}
	i.entries[key] = &idempotency.Entry{IdempotencyKey: key, HandlerName: handler, Status: idempotency.StatusFinished, Result: value}
	return &idempotency.Result{Value: value}, nil
}

type fakePayments struct {
	charges   []stripe.ChargeRequest
	declineOn map[string]bool
	// onCharge runs after a charge is recorded.
	onCharge  func()
	subs      []stripe.SubscriptionRequest
	coupons   map[string]string
	customers int
}

func (f *fakePayments) CreateCustomer(_ context.Context, req stripe.CustomerRequest) (string, error) {
	f.customers++
	return fmt.Sprintf("cus_%d", f.customers), nil
}

func (f *fakePayments) Charge(_ context.Context, req stripe.ChargeRequest) (*stripe.PaymentIntent, error) {
	f.charges = append(f.charges, req)
	if f.onCharge != nil {
		f.onCharge()
	}
	if f.declineOn[req.PaymentMethodID] {
		return nil, &stripe.DeclineError{Code: "card_declined", DeclineCode: "insufficient_funds", Message: "Your card has insufficient funds."}
	}
	return &stripe.PaymentIntent{ID: fmt.Sprintf("pi_%d", len(f.charges)), Status: "succeeded", AmountCents: req.AmountCents}, nil
}

func (f *fakePayments) CreatePaymentIntent(_ context.Context, req stripe.ChargeRequest) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{ID: "pi_client", Status: "requires_confirmation", AmountCents: req.AmountCents, ClientSecret: "secret"}, nil
}

func (f *fakePayments) CreateSetupIntent(_ context.Context, customerID string) (*stripe.SetupIntent, error) {
	return &stripe.SetupIntent{ID: "seti_1", ClientSecret: "secret", Status: "requires_payment_method"}, nil
}

func (f *fakePayments) CreateSubscription(_ context.Context, req stripe.SubscriptionRequest) (*stripe.Subscription, error) {
	f.subs = append(f.subs, req)
	return &stripe.Subscription{ID: "sub_1", Status: "active", CustomerID: req.CustomerID, PriceID: req.PriceID}, nil
}

func (f *fakePayments) CancelSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	return &stripe.Subscription{ID: id, Status: "canceled"}, nil
}

func (f *fakePayments) ChangePrice(_ context.Context, id, priceID string) (*stripe.Subscription, error) {
	return &stripe.Subscription{ID: id, Status: "active", PriceID: priceID}, nil
}

func (f *fakePayments) ApplyCoupon(_ context.Context, id, couponID string) (*stripe.Subscription, error) {
	if f.coupons == nil {
		f.coupons = map[string]string{}
	}
	f.coupons[id] = couponID
	return &stripe.Subscription{ID: id, Status: "active"}, nil
}

func (f *fakePayments) TestPaymentMethod(_ context.Context, customerID, pm string) (*stripe.PaymentMethodCheck, error) {
	return &stripe.PaymentMethodCheck{Valid: !f.declineOn[pm]}, nil
}

type fakeAssistant struct {
	verdict *openai.Verdict
	err     error
	draft   string
	prompts []string
}

func (f *fakeAssistant) CheckEligibility(_ context.Context, summary string) (*openai.Verdict, error) {
	f.prompts = append(f.prompts, summary)
	return f.verdict, f.err
}

func (f *fakeAssistant) DraftNote(_ context.Context, summary string) (string, error) {
	f.prompts = append(f.prompts, summary)
	return f.draft, f.err
}

type fakeObjects struct {
	puts []string
}

func (f *fakeObjects) PutDocument(_ context.Context, patientID, kind string, data []byte) (*s3.Object, error) {
	key := fmt.Sprintf("documents/%s/%s-1.pdf", patientID, kind)
	f.puts = append(f.puts, key)
	return &s3.Object{Key: key, URL: "https://signed.example/" + key, Size: int64(len(data))}, nil
}

type fakeMailer struct {
	sent []*sendgrid.Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg *sendgrid.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
