// Package main provides the notification worker entry point.
// Consumes queued email requests and sends them through SendGrid.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/config"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
	"github.com/trimwell/clinic-admin/internal/infrastructure/redpanda"
	"github.com/trimwell/clinic-admin/internal/infrastructure/sendgrid"
	"github.com/trimwell/clinic-admin/internal/notify"
	"github.com/trimwell/clinic-admin/internal/observability/metrics"
	"github.com/trimwell/clinic-admin/internal/observability/tracing"
	"github.com/trimwell/clinic-admin/internal/service"
	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
	"github.com/trimwell/clinic-admin/pkg/idempotency"
	"github.com/trimwell/clinic-admin/pkg/workerpool"
)

const serviceName = "notification-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	tp, err := tracing.Init(ctx, tracing.NewConfig(serviceName, cfg.Env, cfg.OTLPEndpoint, cfg.TraceSampleRate))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	// Connect to database
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	m := metrics.New(nil)

	cb, err := circuitbreaker.New(sendgrid.BreakerConfig(), logger)
	if err != nil {
		logger.Fatal("breaker setup failed", zap.Error(err))
	}
	mailer := sendgrid.NewMailer(cfg.SendGridAPIKey, cfg.EmailFrom, cfg.EmailFromName, cb, logger)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	d := &delivery{
		notifier: service.NewNotifier(mailer, logger),
		inbox:    inbox,
		metrics:  m,
		logger:   logger,
	}

	workerPool, err := workerpool.New(workerpool.DefaultConfig(), d.run, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workerPool.Start()
	defer workerPool.Stop()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	deadLetter, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer deadLetter.Close()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = serviceName

	// The record is committed only after its task finishes, so a crash
	// redelivers it and the inbox drops the duplicate send.
	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		m.RecordConsumed()
		return workerPool.SubmitWait(ctx, &workerpool.Task{ID: string(msg.Key), Payload: msg.Value})
	}, deadLetter, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("notification worker started", zap.Strings("brokers", cfg.KafkaBrokers))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	cs, ps := consumer.Stats(), workerPool.Stats()
	logger.Info("notification worker stopped",
		zap.Int64("handled", cs.Handled),
		zap.Int64("dead_lettered", cs.DeadLettered),
		zap.Int64("tasks_completed", ps.TasksCompleted),
		zap.Int64("tasks_retried", ps.TasksRetried),
		zap.Int64("tasks_failed", ps.TasksFailed))
}

// Sender delivers one raw email payload.
type Sender interface {
	Deliver(ctx context.Context, payload []byte) error
}

// Deduper runs an action at most once per key.
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload any, fn idempotency.ProcessFunc) (*idempotency.Result, error)
}

type delivery struct {
	notifier Sender
	inbox    Deduper
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

type emailHeader struct {
	ID   string      `json:"id"`
	Kind notify.Kind `json:"kind"`
}

func (d *delivery) run(ctx context.Context, task *workerpool.Task) error {
	payload, ok := task.Payload.([]byte)
	if !ok {
		return workerpool.Permanent(errors.New("task payload is not a byte slice"))
	}
	var hdr emailHeader
	if err := json.Unmarshal(payload, &hdr); err != nil || hdr.ID == "" {
		d.metrics.RecordEmail("unknown", metrics.OutcomeFailed)
		return workerpool.Permanent(errors.New("email request has no id"))
	}

	res, err := d.inbox.Process(ctx, idempotency.GenerateKey(hdr.ID, "email"), serviceName, json.RawMessage(payload),
		func(ctx context.Context) (json.RawMessage, error) {
			if err := d.notifier.Deliver(ctx, payload); err != nil {
				if workerpool.IsPermanent(err) {
					return nil, idempotency.Terminal(err)
				}
				return nil, err
			}
			return json.RawMessage(`{"sent":true}`), nil
		})
	switch {
	case err == nil && res.Replayed:
		d.logger.Debug("duplicate email skipped", zap.String("email_id", hdr.ID))
		return nil
	case err == nil:
		d.metrics.RecordEmail(string(hdr.Kind), metrics.OutcomeSent)
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return nil
	case idempotency.IsTerminal(err):
		d.metrics.RecordEmail(string(hdr.Kind), metrics.OutcomeFailed)
		return workerpool.Permanent(err)
	default:
		return err
	}
}
