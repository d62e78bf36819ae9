// Package idempotency provides a Postgres-backed inbox that runs an action at
// most once per idempotency key and replays the stored result afterwards.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is where a key is in its single run.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrInProgress is returned while another caller holds the key.
	ErrInProgress = errors.New("action already in progress")
	// ErrPreviouslyFailed is returned for keys whose action failed terminally.
	ErrPreviouslyFailed = errors.New("action previously failed")
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Entry is an inbox row.
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long entries are kept.
	TTL time.Duration
	// CleanupInterval is how often expired entries are deleted.
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             30 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent processing.
type Inbox struct {
	db     Querier
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox returns an inbox over the inbox table.
func NewInbox(db Querier, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Result is the outcome of Process.
type Result struct {
	// Replayed is true when the stored result of an earlier run is returned.
	Replayed bool
	Value    json.RawMessage
}

// ProcessFunc is the action guarded by the inbox.
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err so the key is never retried.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// verdict is what Process does with an existing entry.
type verdict int

const (
	verdictRun verdict = iota
	verdictReplay
	verdictFailed
	verdictBusy
	verdictRecover
)

// decide maps the stored entry to a verdict. A STARTED entry older than
// recoverAfter is treated as abandoned by a crashed caller.
func decide(e *Entry, now time.Time, recoverAfter time.Duration) verdict {
	if e == nil {
		return verdictRun
	}
	switch e.Status {
	case StatusFinished:
		return verdictReplay
	case StatusFailed:
		return verdictFailed
	case StatusStarted:
		if now.Sub(e.UpdatedAt) <= recoverAfter {
			return verdictBusy
		}
		return verdictRecover
	default:
		return verdictRun
	}
}

// Process runs fn once per key. A finished key replays its stored result;
// a key whose last run returned a non-terminal error runs again.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload any, fn ProcessFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.Lookup(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	switch decide(entry, time.Now(), i.config.RecoveryTimeout) {
	case verdictReplay:
		span.SetAttributes(attribute.Bool("replayed", true))
		return &Result{Replayed: true, Value: entry.Result}, nil
	case verdictFailed:
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
	case verdictBusy:
		return nil, ErrInProgress
	case verdictRecover:
		i.logger.Warn("recovering abandoned inbox entry",
			zap.String("idempotency_key", key),
			zap.String("handler", entry.HandlerName),
			zap.Time("started", entry.UpdatedAt))
		if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
			return nil, fmt.Errorf("mark recoverable: %w", err)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal inbox payload: %w", err)
	}
	if err := i.start(ctx, key, handlerName, raw); err != nil {
		return nil, err
	}

	value, runErr := fn(ctx)
	if runErr != nil {
		status := StatusRecoverable
		if IsTerminal(runErr) {
			status = StatusFailed
		}
		detail, _ := json.Marshal(map[string]string{"error": runErr.Error()})
		if err := i.setStatus(ctx, key, status, detail); err != nil {
			i.logger.Error("failed to record inbox error",
				zap.String("idempotency_key", key),
				zap.Error(err))
		}
		span.RecordError(runErr)
		return nil, runErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, value); err != nil {
		// The action succeeded; a later call may run it again.
		i.logger.Error("failed to mark inbox entry finished",
			zap.String("idempotency_key", key),
			zap.Error(err))
	}
	return &Result{Value: value}, nil
}

// GenerateKey derives a deterministic key from its parts.
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// Lookup loads an entry; it returns pgx.ErrNoRows when the key is unknown.
func (i *Inbox) Lookup(ctx context.Context, key string) (*Entry, error) {
	entry := &Entry{}
	err := i.db.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// start claims key. Only new or RECOVERABLE keys can be claimed.
func (i *Inbox) start(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	var returned string
	err := i.db.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`, key, handlerName, StatusStarted, payload, time.Now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInProgress
	}
	if err != nil {
		return fmt.Errorf("claim inbox key: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.db.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// Purge deletes expired entries and returns how many were removed.
func (i *Inbox) Purge(ctx context.Context) (int64, error) {
	tag, err := i.db.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge inbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartCleanup purges expired entries every CleanupInterval until Stop.
func (i *Inbox) StartCleanup() {
	i.once.Do(func() {
		go i.cleanupLoop()
		i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
	})
}

// Stop ends the cleanup loop, if it was started.
func (i *Inbox) Stop() {
	i.cancel()
	i.once.Do(func() { close(i.done) })
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := i.Purge(i.ctx)
		switch {
		case err != nil:
			i.logger.Error("inbox cleanup failed", zap.Error(err))
		case n > 0:
			i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
		}
	}
}
