// Package main provides the outbox relay service entry point.
// Publishes committed outbox rows to Redpanda.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/config"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
	"github.com/trimwell/clinic-admin/internal/infrastructure/redpanda"
	"github.com/trimwell/clinic-admin/internal/observability/metrics"
	"github.com/trimwell/clinic-admin/internal/observability/tracing"
)

const (
	serviceName     = "outbox-relay"
	statsInterval   = 15 * time.Second
	retainProcessed = 7 * 24 * time.Hour
)

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

	logger.Info("connected to database")

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer func() {
		if err := producer.Close(); err != nil {
			logger.Warn("producer close failed", zap.Error(err))
		}
	}()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New(nil)
	outbox := postgres.NewOutbox(pool, &countingPublisher{producer, m}, postgres.DefaultOutboxConfig(), logger)

	outbox.Start()
	logger.Info("outbox relay started")

	stop := make(chan struct{})
	go housekeeping(outbox, m, logger, stop)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	close(stop)
	outbox.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	ps := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("published", ps.Sent),
		zap.Int64("bytes", ps.Bytes),
		zap.Int64("failed", ps.Failed))
}

// housekeeping exports the backlog size and prunes rows relayed long ago.
func housekeeping(outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if stats, err := outbox.Stats(ctx); err != nil {
			logger.Warn("outbox stats failed", zap.Error(err))
		} else {
			m.SetOutboxPending(stats.Pending)
			if stats.OldestAge > time.Minute {
				logger.Warn("outbox backlog is old",
					zap.Int64("pending", stats.Pending),
					zap.Int64("retrying", stats.Retrying),
					zap.Duration("oldest_age", stats.OldestAge))
			}
		}
		if n, err := outbox.Prune(ctx, retainProcessed); err != nil {
			logger.Warn("outbox prune failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("outbox pruned", zap.Int64("deleted", n))
		}
		cancel()
	}
}

// countingPublisher counts records handed to the broker.
type countingPublisher struct {
	producer *redpanda.Producer
	metrics  *metrics.Metrics
}

func (p *countingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := p.producer.Publish(ctx, topic, key, value); err != nil {
		return err
	}
	p.metrics.RecordProduced()
	return nil
}
