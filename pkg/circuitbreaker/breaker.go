// Package circuitbreaker wraps sony/gobreaker with OpenTelemetry metrics for
// calls to hosted services (payments, email, completions, object storage).
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Breaker names, one per outbound service.
const (
	Stripe   = "stripe"
	SendGrid = "sendgrid"
	OpenAI   = "openai"
	S3       = "s3"
)

// State is a breaker position as reported on /health.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when a call is rejected without being attempted.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes one breaker.
type Config struct {
	Name string
	// MaxRequests is how many probes pass while half-open.
	MaxRequests uint32
	// Interval resets the closed-state counts; zero never resets.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// FailureThreshold is the consecutive failure count that opens the breaker
	// while fewer than MinRequests have been seen. Past MinRequests the
	// failure ratio decides.
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	// IsFailure decides whether an error counts against the service. Errors
	// caused by the request itself, such as a declined card, should not.
	IsFailure func(error) bool
}

// DefaultConfig returns defaults for a hosted API dependency.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
	}
}

// tripper returns the gobreaker trip rule for cfg.
func (cfg Config) tripper() func(gobreaker.Counts) bool {
	return func(c gobreaker.Counts) bool {
		if c.Requests < cfg.MinRequests {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		}
		return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
	}
}

type instruments struct {
	requests metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter
}

func newInstruments() (instruments, error) {
	meter := otel.Meter("circuit-breaker")
	var (
		ins instruments
		err error
	)
	if ins.requests, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Calls attempted through a breaker")); err != nil {
		return ins, fmt.Errorf("requests counter: %w", err)
	}
	if ins.failures, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Calls that counted against the service")); err != nil {
		return ins, fmt.Errorf("failures counter: %w", err)
	}
	if ins.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Calls refused while the breaker was open")); err != nil {
		return ins, fmt.Errorf("rejected counter: %w", err)
	}
	return ins, nil
}

// CircuitBreaker guards calls to one service.
type CircuitBreaker struct {
	gb        *gobreaker.CircuitBreaker
	name      string
	logger    *zap.Logger
	tracer    trace.Tracer
	isFailure func(error) bool
	attrs     metric.MeasurementOption
	ins       instruments
}

// New builds a breaker from cfg.
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ins, err := newInstruments()
	if err != nil {
		return nil, err
	}

	c := &CircuitBreaker{
		name:      cfg.Name,
		logger:    logger.With(zap.String("breaker", cfg.Name)),
		tracer:    otel.Tracer("circuit-breaker"),
		isFailure: cfg.IsFailure,
		attrs:     metric.WithAttributes(attribute.String("name", cfg.Name)),
		ins:       ins,
	}
	if c.isFailure == nil {
		c.isFailure = func(err error) bool { return err != nil }
	}

	c.gb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: cfg.tripper(),
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("from", string(toState(from))),
				zap.String("to", string(toState(to))))
		},
		IsSuccessful: func(err error) bool { return !c.isFailure(err) },
	})
	return c, nil
}

// Execute runs fn through the breaker. Rejected calls return an error
// wrapping ErrOpen.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker.execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.Current())),
		))
	defer span.End()

	c.ins.requests.Add(ctx, 1, c.attrs)
	result, err := c.gb.Execute(func() (any, error) { return fn(ctx) })
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.ins.rejected.Add(ctx, 1, c.attrs)
		span.SetAttributes(attribute.Bool("circuit_open", true))
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s", ErrOpen, c.name)
	default:
		if c.isFailure(err) {
			c.ins.failures.Add(ctx, 1, c.attrs)
		}
		span.RecordError(err)
		return nil, err
	}
}

// Do is a typed wrapper around Execute.
func Do[T any](ctx context.Context, c *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := c.Execute(ctx, func(ctx context.Context) (any, error) { return fn(ctx) })
	if err != nil {
		return zero, err
	}
	out, _ := res.(T)
	return out, nil
}

// Current returns the breaker's state.
func (c *CircuitBreaker) Current() State {
	return toState(c.gb.State())
}

func toState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Manager hands out one breaker per service name.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	configs  map[string]Config
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

// Configure overrides the config used when name is first requested.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.Name] = cfg
}

// Breaker returns the breaker for name, creating it on first use.
func (m *Manager) Breaker(name string) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.breakers[name]; ok {
		return c, nil
	}
	cfg, ok := m.configs[name]
	if !ok {
		cfg = DefaultConfig(name)
	}
	cfg.Name = name
	c, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = c
	return c, nil
}

// HealthStatus reports one breaker's state.
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Snapshot reports every breaker created so far, sorted by name.
func (m *Manager) Snapshot() []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HealthStatus, 0, len(m.breakers))
	for name, c := range m.breakers {
		counts, state := c.gb.Counts(), c.Current()
		out = append(out, HealthStatus{
			Name:     name,
			State:    state,
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  state == StateClosed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
