package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DeadLetterTopic receives entries that exhausted their attempts.
const DeadLetterTopic = "dead.letter"

// OutboxEntry is a message waiting to be relayed to the broker. It is written
// in the same transaction as the row change it describes.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	Attempts      int
	LastError     *string
}

// NewEntry marshals payload into an outbox entry keyed by the aggregate id.
func NewEntry(topic, aggregateType, aggregateID, eventType string, payload any) (*OutboxEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &OutboxEntry{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       data,
		Topic:         topic,
		Key:           aggregateID,
	}, nil
}

// WriteEntry inserts an outbox entry. Call it with the transaction that
// performs the row change so both commit or neither does.
func WriteEntry(ctx context.Context, db DBTX, entry *OutboxEntry) error {
	err := db.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, message_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// OutboxConfig tunes the relay.
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxAttempts is the number of failed publishes before an entry is
	// moved to DeadLetterTopic.
	MaxAttempts int
	// RetryBase is the delay after the first failure; it doubles per
	// attempt up to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// DefaultOutboxConfig returns the relay defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 250 * time.Millisecond,
		MaxAttempts:  5,
		RetryBase:    time.Second,
		RetryMax:     5 * time.Minute,
	}
}

// Backoff returns the wait before attempt number attempts+1.
func (c OutboxConfig) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := c.RetryBase
	for i := 1; i < attempts && d < c.RetryMax; i++ {
		d *= 2
	}
	if d > c.RetryMax {
		d = c.RetryMax
	}
	return d
}

// OutboxPublisher sends one record to the broker.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed outbox rows to the broker. Rows are claimed with
// FOR UPDATE SKIP LOCKED so several relays can run side by side.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start runs the relay loop in the background.
func (o *Outbox) Start() {
	go o.loop()
	o.logger.Info("outbox relay loop started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop ends the loop after the current batch.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
}

func (o *Outbox) loop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
		}
		// Keep draining while batches come back full.
		for {
			n, err := o.RelayBatch(o.ctx)
			if err != nil {
				if o.ctx.Err() == nil {
					o.logger.Error("outbox batch failed", zap.Error(err))
				}
				break
			}
			if n < o.config.BatchSize {
				break
			}
		}
	}
}

// RelayBatch claims up to BatchSize due entries, publishes them and records
// the outcome of each in one transaction. It returns the number claimed.
func (o *Outbox) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(context.Background())

	entries, err := claimDue(ctx, tx, o.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(entries)))

	var sent []int64
	for _, e := range entries {
		pubErr := o.publisher.Publish(ctx, e.Topic, e.Key, e.Payload)
		if pubErr == nil {
			sent = append(sent, e.ID)
			continue
		}
		if err := o.recordFailure(ctx, tx, e, pubErr); err != nil {
			span.RecordError(err)
			return 0, err
		}
	}

	if len(sent) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = ANY($1)`, sent); err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("mark processed: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		// Published records will go out again; consumers dedupe by id.
		return 0, fmt.Errorf("commit relay batch: %w", err)
	}
	return len(entries), nil
}

func claimDue(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, message_key, created_at, attempts, last_error
		FROM outbox
		WHERE processed_at IS NULL AND next_attempt_at <= NOW()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// recordFailure schedules the next attempt, or parks the entry on the dead
// letter topic once MaxAttempts is reached.
func (o *Outbox) recordFailure(ctx context.Context, tx pgx.Tx, e *OutboxEntry, cause error) error {
	e.Attempts++
	msg := cause.Error()
	e.LastError = &msg

	if e.Attempts < o.config.MaxAttempts {
		o.logger.Warn("outbox publish failed",
			zap.Int64("id", e.ID),
			zap.String("topic", e.Topic),
			zap.Int("attempts", e.Attempts),
			zap.Error(cause))
		_, err := tx.Exec(ctx, `
			UPDATE outbox
			SET attempts = $2, last_error = $3, next_attempt_at = NOW() + $4::interval, updated_at = NOW()
			WHERE id = $1`,
			e.ID, e.Attempts, msg, o.config.Backoff(e.Attempts).String())
		if err != nil {
			return fmt.Errorf("schedule retry for %d: %w", e.ID, err)
		}
		return nil
	}

	payload, err := DeadLetterEnvelope(e)
	if err != nil {
		return err
	}
	deadAt := "NOW()"
	if err := o.publisher.Publish(ctx, DeadLetterTopic, e.Key, payload); err != nil {
		// Leave it for the next pass; the envelope is rebuilt then.
		o.logger.Error("dead letter publish failed", zap.Int64("id", e.ID), zap.Error(err))
		deadAt = "NULL"
	} else {
		o.logger.Error("outbox entry dead-lettered",
			zap.Int64("id", e.ID),
			zap.String("topic", e.Topic),
			zap.String("event_type", e.EventType),
			zap.String("last_error", msg))
	}
	_, err = tx.Exec(ctx, `
		UPDATE outbox
		SET attempts = $2, last_error = $3, dead_lettered_at = `+deadAt+`,
		    processed_at = `+deadAt+`, updated_at = NOW()
		WHERE id = $1`,
		e.ID, e.Attempts, msg)
	if err != nil {
		return fmt.Errorf("dead-letter %d: %w", e.ID, err)
	}
	return nil
}

// DeadLetterEnvelope wraps an exhausted entry with its delivery history.
func DeadLetterEnvelope(e *OutboxEntry) ([]byte, error) {
	return json.Marshal(struct {
		SourceTopic   string          `json:"source_topic"`
		EventType     string          `json:"event_type"`
		AggregateType string          `json:"aggregate_type"`
		AggregateID   string          `json:"aggregate_id"`
		Payload       json.RawMessage `json:"payload"`
		Attempts      int             `json:"attempts"`
		LastError     *string         `json:"last_error,omitempty"`
		CreatedAt     time.Time       `json:"created_at"`
	}{e.Topic, e.EventType, e.AggregateType, e.AggregateID, e.Payload, e.Attempts, e.LastError, e.CreatedAt})
}

// Prune deletes relayed entries processed before now minus olderThan.
func (o *Outbox) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at < NOW() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarises the backlog.
type OutboxStats struct {
	Pending int64
	// Retrying counts pending entries with at least one failed attempt.
	Retrying     int64
	DeadLettered int64
	OldestAge    time.Duration
}

// Stats reports the backlog.
func (o *Outbox) Stats(ctx context.Context) (*OutboxStats, error) {
	var (
		s      OutboxStats
		oldest *time.Time
	)
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND attempts > 0),
			COUNT(*) FILTER (WHERE dead_lettered_at IS NOT NULL),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`).Scan(&s.Pending, &s.Retrying, &s.DeadLettered, &oldest)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest != nil {
		s.OldestAge = time.Since(*oldest)
	}
	return &s, nil
}
