// Package service implements the clinic's admin workflows on top of the
// domain repositories and the external SaaS gateways.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trimwell/clinic-admin/internal/domain/billing"
	"github.com/trimwell/clinic-admin/internal/domain/coupon"
	"github.com/trimwell/clinic-admin/internal/domain/order"
	"github.com/trimwell/clinic-admin/internal/domain/patient"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
	"github.com/trimwell/clinic-admin/internal/domain/survey"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
	"github.com/trimwell/clinic-admin/internal/infrastructure/redpanda"
)

// EventRecordChanged is published to clinic.record-changes for every row a
// workflow writes.
const EventRecordChanged = "RecordChanged"

// RecordChange tells realtime subscribers that a row changed.
type RecordChange struct {
	Table     string    `json:"table"`
	RecordID  string    `json:"record_id"`
	Operation string    `json:"operation"`
	ChangedAt time.Time `json:"changed_at"`
}

func recordChange(table, id, op string) (*postgres.OutboxEntry, error) {
	return postgres.NewEntry(redpanda.TopicRecordChanges, table, id, EventRecordChanged, &RecordChange{
		Table:     table,
		RecordID:  id,
		Operation: op,
		ChangedAt: time.Now().UTC(),
	})
}

// SubmissionStore persists submissions.
type SubmissionStore interface {
	GetSubmission(ctx context.Context, id string) (*submission.Submission, error)
	ReviewQueue(ctx context.Context, f submission.ListFilter) ([]*submission.Submission, error)
	SetEligibility(ctx context.Context, id string, approved bool, reason string, at time.Time) error
	SetDocumentURL(ctx context.Context, id string, kind submission.DocumentKind, url string) error
	SetPaymentMethod(ctx context.Context, id, customerID, paymentMethodID string) error
	// ReserveReview holds id for one reviewer until release is called. It
	// fails with submission.ErrReviewInProgress while someone else holds it.
	ReserveReview(ctx context.Context, id string) (release func(), err error)
	// CommitReview writes the review fields of s, the billing rows, the
	// pending submission events and extra in one transaction.
	CommitReview(ctx context.Context, s *submission.Submission, bills []*billing.Record, extra []*postgres.OutboxEntry) error
}

// PatientStore persists patient profiles and gathers their linked rows.
type PatientStore interface {
	GetPatient(ctx context.Context, id string) (*patient.Profile, error)
	FindPatientByEmail(ctx context.Context, email string) (*patient.Profile, error)
	ListPatients(ctx context.Context) ([]*patient.Profile, error)
	SavePatient(ctx context.Context, p *patient.Profile, expected *time.Time) error
	SetStripeCustomer(ctx context.Context, id, customerID string) error
	PatientSources(ctx context.Context, p *patient.Profile) (patient.Sources, error)
}

// OrderStore persists orders.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, status order.Status) ([]*order.Order, error)
	// CommitFulfillment saves o and writes entries in one transaction.
	CommitFulfillment(ctx context.Context, o *order.Order, entries []*postgres.OutboxEntry) error
}

// BillingStore persists billing_history rows.
type BillingStore interface {
	InsertBilling(ctx context.Context, rec *billing.Record) error
	ListRecurring(ctx context.Context) ([]*billing.Record, error)
	EndingWithin(ctx context.Context, now time.Time, days int) ([]*billing.Record, error)
	CancelSubscription(ctx context.Context, subscriptionID string, at time.Time) error
	// QueueEmails writes email requests to the outbox.
	QueueEmails(ctx context.Context, entries []*postgres.OutboxEntry) error
}

// CouponStore reads and redeems discount codes.
type CouponStore interface {
	GetCouponByCode(ctx context.Context, code string) (*coupon.Coupon, error)
	RedeemCoupon(ctx context.Context, id string) error
}

// PGStore implements every store on PostgreSQL.
type PGStore struct {
	pool        *pgxpool.Pool
	tx          postgres.TxRunner
	submissions *submission.Repository
	patients    *patient.Repository
	billing     *billing.Repository
	orders      *order.Repository
	coupons     *coupon.Repository
	surveys     *survey.Repository
}

// NewPGStore creates a store on pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool:        pool,
		tx:          postgres.NewTransactor(pool),
		submissions: submission.NewRepository(pool),
		patients:    patient.NewRepository(pool),
		billing:     billing.NewRepository(pool),
		orders:      order.NewRepository(pool),
		coupons:     coupon.NewRepository(pool),
		surveys:     survey.NewRepository(pool),
	}
}

func (s *PGStore) GetSubmission(ctx context.Context, id string) (*submission.Submission, error) {
	return s.submissions.Get(ctx, id)
}

func (s *PGStore) ReviewQueue(ctx context.Context, f submission.ListFilter) ([]*submission.Submission, error) {
	return s.submissions.ReviewQueue(ctx, f)
}

func (s *PGStore) SetEligibility(ctx context.Context, id string, approved bool, reason string, at time.Time) error {
	return s.submissions.SetEligibility(ctx, id, approved, reason, at)
}

func (s *PGStore) SetDocumentURL(ctx context.Context, id string, kind submission.DocumentKind, url string) error {
	return s.submissions.SetDocumentURL(ctx, id, kind, url)
}

func (s *PGStore) SetPaymentMethod(ctx context.Context, id, customerID, paymentMethodID string) error {
	return s.submissions.SetPaymentMethod(ctx, id, customerID, paymentMethodID)
}

// ReserveReview takes a session advisory lock on the submission id. The lock
// lives on a dedicated connection that release hands back to the pool.
func (s *PGStore) ReserveReview(ctx context.Context, id string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, id).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("reserve submission %s: %w", id, err)
	}
	if !acquired {
		conn.Release()
		return nil, fmt.Errorf("%w: %s", submission.ErrReviewInProgress, id)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, id); err != nil {
			// A connection that may still hold the lock must not be reused.
			conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

func (s *PGStore) CommitReview(ctx context.Context, sub *submission.Submission, bills []*billing.Record, extra []*postgres.OutboxEntry) error {
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.submissions.WithTx(tx).SaveReview(ctx, sub); err != nil {
			return err
		}
		for _, b := range bills {
			if err := s.billing.WithTx(tx).Insert(ctx, b); err != nil {
				return err
			}
		}

		entries := make([]*postgres.OutboxEntry, 0, len(sub.Changes())+len(extra)+1)
		for _, ev := range sub.Changes() {
			entry, err := postgres.NewEntry(redpanda.TopicSubmissionEvents, submission.AggregateType, sub.ID, string(ev.EventType), ev)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		change, err := recordChange("form_submissions", sub.ID, "UPDATE")
		if err != nil {
			return err
		}
		entries = append(entries, change)
		entries = append(entries, extra...)
		return writeEntries(ctx, tx, entries)
	})
	if err != nil {
		return err
	}
	sub.ClearChanges()
	return nil
}

func (s *PGStore) GetPatient(ctx context.Context, id string) (*patient.Profile, error) {
	return s.patients.Get(ctx, id)
}

func (s *PGStore) FindPatientByEmail(ctx context.Context, email string) (*patient.Profile, error) {
	return s.patients.FindByEmail(ctx, email)
}

func (s *PGStore) ListPatients(ctx context.Context) ([]*patient.Profile, error) {
	return s.patients.List(ctx)
}

func (s *PGStore) SavePatient(ctx context.Context, p *patient.Profile, expected *time.Time) error {
	return s.tx.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.patients.WithTx(tx).Save(ctx, p, expected); err != nil {
			return err
		}
		change, err := recordChange("profiles", p.ID, "UPDATE")
		if err != nil {
			return err
		}
		return postgres.WriteEntry(ctx, tx, change)
	})
}

func (s *PGStore) SetStripeCustomer(ctx context.Context, id, customerID string) error {
	return s.patients.SetStripeCustomer(ctx, id, customerID)
}

// PatientSources loads the rows linked to p by user id or email.
func (s *PGStore) PatientSources(ctx context.Context, p *patient.Profile) (patient.Sources, error) {
	var src patient.Sources
	subs, err := s.submissions.ListForPatient(ctx, p.ID, p.Email)
	if err != nil {
		return src, err
	}
	bills, err := s.billing.ListForPatient(ctx, p.ID, p.Email)
	if err != nil {
		return src, err
	}
	orders, err := s.orders.ListForPatient(ctx, p.ID, p.Email)
	if err != nil {
		return src, err
	}
	responses, err := s.surveys.ListForPatient(ctx, p.ID, p.Email)
	if err != nil {
		return src, err
	}
	src.Submissions = [][]*submission.Submission{subs}
	src.Billing = [][]*billing.Record{bills}
	src.Orders = [][]*order.Order{orders}
	src.Questionnaires = [][]*survey.Response{responses}
	return src, nil
}

func (s *PGStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return s.orders.Get(ctx, id)
}

func (s *PGStore) ListOrders(ctx context.Context, status order.Status) ([]*order.Order, error) {
	return s.orders.List(ctx, status)
}

func (s *PGStore) CommitFulfillment(ctx context.Context, o *order.Order, entries []*postgres.OutboxEntry) error {
	return s.tx.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.orders.WithTx(tx).SaveFulfillment(ctx, o); err != nil {
			return err
		}
		change, err := recordChange("orders", o.ID, "UPDATE")
		if err != nil {
			return err
		}
		return writeEntries(ctx, tx, append([]*postgres.OutboxEntry{change}, entries...))
	})
}

func (s *PGStore) InsertBilling(ctx context.Context, rec *billing.Record) error {
	return s.tx.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.billing.WithTx(tx).Insert(ctx, rec); err != nil {
			return err
		}
		change, err := recordChange("billing_history", rec.ID, "INSERT")
		if err != nil {
			return err
		}
		return postgres.WriteEntry(ctx, tx, change)
	})
}

func (s *PGStore) ListRecurring(ctx context.Context) ([]*billing.Record, error) {
	return s.billing.ListRecurring(ctx)
}

func (s *PGStore) EndingWithin(ctx context.Context, now time.Time, days int) ([]*billing.Record, error) {
	return s.billing.EndingWithin(ctx, now, days)
}

func (s *PGStore) CancelSubscription(ctx context.Context, subscriptionID string, at time.Time) error {
	return s.billing.CancelSubscription(ctx, subscriptionID, at)
}

func (s *PGStore) QueueEmails(ctx context.Context, entries []*postgres.OutboxEntry) error {
	return s.tx.InTx(ctx, func(tx pgx.Tx) error {
		return writeEntries(ctx, tx, entries)
	})
}

func (s *PGStore) GetCouponByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return s.coupons.GetByCode(ctx, code)
}

func (s *PGStore) RedeemCoupon(ctx context.Context, id string) error {
	return s.coupons.Redeem(ctx, id)
}

func writeEntries(ctx context.Context, tx pgx.Tx, entries []*postgres.OutboxEntry) error {
	for _, e := range entries {
		if err := postgres.WriteEntry(ctx, tx, e); err != nil {
			return fmt.Errorf("write outbox %s: %w", e.EventType, err)
		}
	}
	return nil
}
