// Package metrics provides Prometheus metrics for the clinic admin services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
)

// Approval outcomes.
const (
	OutcomeApproved = "approved"
	OutcomeDeclined = "declined"
	OutcomeRejected = "rejected"
	OutcomeSent     = "sent"
	OutcomeFailed   = "failed"
)

// Metrics holds all application metrics. Record methods are safe on a nil
// receiver so tests can skip metrics entirely.
type Metrics struct {
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
	SubmissionsReviewed   *prometheus.CounterVec
	EmailsSent            *prometheus.CounterVec
	DocumentsGenerated    *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	MRRCents              prometheus.Gauge
	ActiveSubscribers     prometheus.Gauge
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		SubmissionsReviewed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submissions_reviewed_total",
			Help: "Submission review decisions by outcome",
		}, []string{"outcome"}),
		EmailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emails_total",
			Help: "Transactional emails by kind and outcome",
		}, []string{"kind", "outcome"}),
		DocumentsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "documents_generated_total",
			Help: "PDF documents stored by kind",
		}, []string{"kind"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		MRRCents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "subscriptions_mrr_cents",
			Help: "Estimated monthly recurring revenue at the last analytics run",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "subscriptions_active",
			Help: "Active subscribers at the last analytics run",
		}),
	}

	reg.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.SubmissionsReviewed,
		m.EmailsSent,
		m.DocumentsGenerated,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.MRRCents,
		m.ActiveSubscribers,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordReview counts a review decision.
func (m *Metrics) RecordReview(outcome string) {
	if m == nil {
		return
	}
	m.SubmissionsReviewed.WithLabelValues(outcome).Inc()
}

// RecordEmail counts an email delivery attempt.
func (m *Metrics) RecordEmail(kind, outcome string) {
	if m == nil {
		return
	}
	m.EmailsSent.WithLabelValues(kind, outcome).Inc()
}

// RecordDocument counts a stored PDF.
func (m *Metrics) RecordDocument(kind string) {
	if m == nil {
		return
	}
	m.DocumentsGenerated.WithLabelValues(kind).Inc()
}

// RecordConsumed counts a consumed Kafka message.
func (m *Metrics) RecordConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// RecordProduced counts a produced Kafka message.
func (m *Metrics) RecordProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// SetOutboxPending records the outbox backlog.
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetSubscriptions records the latest analytics snapshot.
func (m *Metrics) SetSubscriptions(mrrCents int64, active int) {
	if m == nil {
		return
	}
	m.MRRCents.Set(float64(mrrCents))
	m.ActiveSubscribers.Set(float64(active))
}

// ObserveBreakers copies breaker states into the state gauge.
func (m *Metrics) ObserveBreakers(statuses []circuitbreaker.HealthStatus) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		var v float64
		switch s.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		m.CircuitBreakerState.WithLabelValues(s.Name).Set(v)
	}
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
