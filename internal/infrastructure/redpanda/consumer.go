package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig configures a group consumer.
type ConsumerConfig struct {
	Brokers           []string
	GroupID           string
	Topics            []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	FetchMaxBytes     int32
	// FromLatest starts a new group at the log end instead of the beginning.
	FromLatest bool
	// RedeliveryBackoff is the first pause before a record that could not be
	// settled is fetched again. It doubles per consecutive failure, up to two
	// seconds.
	RedeliveryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the notification worker group.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "notification-worker",
		Topics:            []string{TopicNotificationsEmail},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     16 << 20,
		RedeliveryBackoff: time.Second,
	}
}

// MessageHandler processes one record. A returned error sends the record to
// the dead letter topic when one is configured; otherwise the record is
// fetched again.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// Publisher forwards failed messages to the dead letter topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// ConsumedMessage is a record handed to a MessageHandler.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads records for a consumer group and commits each one after
// its handler returns.
type Consumer struct {
	client     *kgo.Client
	logger     *zap.Logger
	tracer     trace.Tracer
	handler    MessageHandler
	deadLetter Publisher
	backoff    func(int) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handled      atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

// NewConsumer creates a consumer. When deadLetter is non-nil, messages whose
// handler fails are forwarded to the dead letter topic and committed.
// Without a dead letter topic, or when forwarding fails, the partition is
// rewound to the failed record so it is delivered again.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, deadLetter Publisher, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	if cfg.RedeliveryBackoff <= 0 {
		cfg.RedeliveryBackoff = DefaultConsumerConfig().RedeliveryBackoff
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.FromLatest {
		reset = kgo.NewOffset().AtEnd()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:     client,
		logger:     logger.With(zap.String("group", cfg.GroupID)),
		tracer:     otel.Tracer("redpanda-consumer"),
		handler:    handler,
		deadLetter: deadLetter,
		backoff:    retryBackoff(cfg.RedeliveryBackoff),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start runs the poll loop in the background.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.pollLoop()
}

// Stop waits for the in-flight record, commits and closes the client.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.CommitMarkedOffsets(ctx)
	c.client.Close()
	if err != nil {
		return fmt.Errorf("commit on stop: %w", err)
	}
	return nil
}

func (c *Consumer) pollLoop() {
	defer c.wg.Done()

	failures := 0
	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		rewound := false
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, record := range p.Records {
				if !c.handleRecord(record) {
					c.rewind(record)
					rewound = true
					return
				}
			}
		})
		if !rewound {
			failures = 0
			continue
		}

		wait := time.NewTimer(c.backoff(failures))
		failures++
		select {
		case <-c.ctx.Done():
			wait.Stop()
			return
		case <-wait.C:
		}
	}
}

// rewind moves the record's partition back to it, dropping anything fetched
// after it, so the next poll delivers it again.
func (c *Consumer) rewind(record *kgo.Record) {
	c.logger.Warn("record left uncommitted; redelivering",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		record.Topic: {record.Partition: {Epoch: record.LeaderEpoch, Offset: record.Offset}},
	})
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// invoke runs the handler, turning a panic into an error so one bad record
// cannot stop the group.
func (c *Consumer) invoke(ctx context.Context, msg *ConsumedMessage) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("handler panic: %v", v)
		}
	}()
	return c.handler(ctx, msg)
}

// handleRecord processes and commits one record. It returns false when the
// record must be delivered again.
func (c *Consumer) handleRecord(record *kgo.Record) bool {
	ctx := otel.GetTextMapPropagator().Extract(c.ctx, headerCarrier{record})
	ctx, span := c.tracer.Start(ctx, "redpanda.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", record.Topic),
			attribute.Int64("messaging.partition", int64(record.Partition)),
			attribute.Int64("messaging.offset", record.Offset),
		))
	defer span.End()

	settled, err := c.settle(ctx, toMessage(record))
	if err != nil {
		span.RecordError(err)
	}
	if !settled {
		return false
	}

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		span.RecordError(err)
		c.logger.Warn("offset commit failed",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
	}
	return true
}

// settle runs the handler and reports whether the record's offset may be
// committed: after success, or once a failure is on the dead letter topic.
// err is the handler error, if any.
func (c *Consumer) settle(ctx context.Context, msg *ConsumedMessage) (settled bool, err error) {
	if err = c.invoke(ctx, msg); err == nil {
		c.handled.Add(1)
		return true, nil
	}
	c.failed.Add(1)
	c.logger.Error("message handler failed",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(err))
	if c.deadLetter == nil {
		return false, err
	}
	if dlErr := c.forwardDeadLetter(ctx, msg, err); dlErr != nil {
		c.logger.Error("dead letter publish failed", zap.Int64("offset", msg.Offset), zap.Error(dlErr))
		return false, err
	}
	c.deadLettered.Add(1)
	return true, err
}

// DeadLetterPayload wraps a failed record with where it came from and why.
func DeadLetterPayload(msg *ConsumedMessage, cause error, at time.Time) ([]byte, error) {
	var original any = string(msg.Value)
	if json.Valid(msg.Value) {
		original = json.RawMessage(msg.Value)
	}
	return json.Marshal(map[string]any{
		"source_topic": msg.Topic,
		"partition":    msg.Partition,
		"offset":       msg.Offset,
		"payload":      original,
		"error":        cause.Error(),
		"failed_at":    at.UTC(),
	})
}

func (c *Consumer) forwardDeadLetter(ctx context.Context, msg *ConsumedMessage, cause error) error {
	payload, err := DeadLetterPayload(msg, cause, time.Now())
	if err != nil {
		return err
	}
	return c.deadLetter.Publish(ctx, TopicDeadLetter, string(msg.Key), payload)
}

// ConsumerStats counts records since start.
type ConsumerStats struct {
	Handled      int64
	Failed       int64
	DeadLettered int64
}

// Stats returns the counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Handled:      c.handled.Load(),
		Failed:       c.failed.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}
