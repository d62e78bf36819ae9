// Package main provides the admin API entry point: the JSON API behind the
// clinic admin portal and the payment, document, email and AI functions.
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

	"github.com/trimwell/clinic-admin/internal/api"
	"github.com/trimwell/clinic-admin/internal/api/handlers"
	"github.com/trimwell/clinic-admin/internal/api/middleware"
	"github.com/trimwell/clinic-admin/internal/config"
	"github.com/trimwell/clinic-admin/internal/documents"
	"github.com/trimwell/clinic-admin/internal/domain/coupon"
	"github.com/trimwell/clinic-admin/internal/domain/staff"
	"github.com/trimwell/clinic-admin/internal/domain/survey"
	"github.com/trimwell/clinic-admin/internal/infrastructure/openai"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
	"github.com/trimwell/clinic-admin/internal/infrastructure/s3"
	"github.com/trimwell/clinic-admin/internal/infrastructure/sendgrid"
	"github.com/trimwell/clinic-admin/internal/infrastructure/stripe"
	"github.com/trimwell/clinic-admin/internal/observability/metrics"
	"github.com/trimwell/clinic-admin/internal/observability/tracing"
	"github.com/trimwell/clinic-admin/internal/service"
	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
	"github.com/trimwell/clinic-admin/pkg/idempotency"
)

const serviceName = "admin-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.ValidateAPI(); err != nil {
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
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New(nil)

	// One breaker per hosted service
	breakers := circuitbreaker.NewManager(logger)
	breakers.Configure(stripe.BreakerConfig())
	breakers.Configure(sendgrid.BreakerConfig())
	breakers.Configure(openai.BreakerConfig())
	breakers.Configure(s3.BreakerConfig())
	breaker := func(name string) *circuitbreaker.CircuitBreaker {
		cb, err := breakers.Breaker(name)
		if err != nil {
			logger.Fatal("breaker setup failed", zap.String("name", name), zap.Error(err))
		}
		return cb
	}

	payments := stripe.NewGateway(cfg.StripeSecretKey, breaker(circuitbreaker.Stripe), logger)
	mailer := sendgrid.NewMailer(cfg.SendGridAPIKey, cfg.EmailFrom, cfg.EmailFromName, breaker(circuitbreaker.SendGrid), logger)
	assistant := openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, breaker(circuitbreaker.OpenAI), logger)
	objects, err := s3.NewStore(cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix, cfg.SignedURLTTL, breaker(circuitbreaker.S3), logger)
	if err != nil {
		logger.Fatal("object store setup failed", zap.Error(err))
	}

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	store := service.NewPGStore(pool)
	clock := service.Clock(time.Now)

	review := service.NewReviewService(service.ReviewDeps{
		Submissions: store,
		Patients:    store,
		Payments:    payments,
		Inbox:       inbox,
		Assistant:   assistant,
		SetupURL:    cfg.SetupURL,
		Clock:       clock,
		Logger:      logger,
	})
	docs := service.NewDocumentService(store, store, objects, assistant,
		documents.NewRenderer(cfg.ClinicName, cfg.ClinicAddress), clock, logger)
	reminders := service.NewReminderService(store, store, inbox, clock, logger)
	staffRepo := staff.NewRepository(pool)

	router := api.NewRouter(api.RouterConfig{
		ServiceName: serviceName,
		Auth: middleware.AuthConfig{
			Secret: cfg.JWTSecret,
			Issuer: cfg.JWTIssuer,
			Roles:  staffRepo,
		},
		AdminRoles:  cfg.AdminRoles,
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     m,
		Logger:      logger,
	}, api.Handlers{
		Patients:      handlers.NewPatientHandler(service.NewPatientService(store, clock), logger),
		Submissions:   handlers.NewSubmissionHandler(review, docs, m, logger),
		Orders:        handlers.NewOrderHandler(service.NewOrderService(store, logger), logger),
		Coupons:       handlers.NewCouponHandler(coupon.NewRepository(pool), logger),
		Staff:         handlers.NewStaffHandler(staffRepo, logger),
		Analytics:     handlers.NewAnalyticsHandler(reminders, m, logger),
		Surveys:       handlers.NewSurveyHandler(survey.NewRepository(pool), logger),
		Payments:      handlers.NewPaymentHandler(service.NewPaymentService(store, store, store, payments, clock, logger), logger),
		Notifications: handlers.NewNotificationHandler(service.NewNotifier(mailer, logger), m, logger),
		Health:        handlers.NewHealthHandler(pool, breakers, m),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // PDF generation and model calls
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting admin API", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
