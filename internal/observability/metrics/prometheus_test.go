package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/patients/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/patients/"+id, nil))
	}

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/patients/{id}", "404"))
	if got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
}

func TestObserveBreakers(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveBreakers([]circuitbreaker.HealthStatus{
		{Name: "stripe", State: circuitbreaker.StateOpen},
		{Name: "s3", State: circuitbreaker.StateClosed},
	})
	if v := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("stripe")); v != 1 {
		t.Errorf("stripe state = %v", v)
	}
	if v := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("s3")); v != 0 {
		t.Errorf("s3 state = %v", v)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordReview(OutcomeApproved)
	m.RecordEmail("tracking", OutcomeSent)
	m.SetSubscriptions(100, 1)
	h := m.Middleware(http.NotFoundHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
