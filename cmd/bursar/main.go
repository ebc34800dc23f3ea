package main

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hausmate/bursar/internal/consent"
	"github.com/hausmate/bursar/internal/events"
	"github.com/hausmate/bursar/internal/handlers"
	"github.com/hausmate/bursar/internal/hsi"
	"github.com/hausmate/bursar/internal/ledger"
	"github.com/hausmate/bursar/internal/payments"
	"github.com/hausmate/bursar/internal/reconcile"
	"github.com/hausmate/bursar/internal/stripe"
	"github.com/hausmate/bursar/pkg/auth"
	"github.com/hausmate/bursar/pkg/config"
	"github.com/hausmate/bursar/pkg/database"
	dbsql "github.com/hausmate/bursar/pkg/database/sql"
	"github.com/hausmate/bursar/pkg/kafka"
	"github.com/hausmate/bursar/pkg/logging"
	"github.com/hausmate/bursar/pkg/monitoring"
	"github.com/hausmate/bursar/pkg/server"
	"github.com/hausmate/bursar/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Billing Ledger & Settlement API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	stripeSecret := config.GetEnv("STRIPE_SECRET_KEY", "")
	webhookSecret := config.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if config.GetEnvBool("BOOTSTRAP_SCHEMA", false) {
		if err := database.ApplySchema(db, dbsql.Content, logger); err != nil {
			logger.WithError(err).Fatal("Schema bootstrap failed")
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Optional Kafka producer for billing events
	var producer *kafka.Producer
	if brokerList := config.GetEnv("KAFKA_BROKERS", ""); brokerList != "" {
		var err error
		producer, err = kafka.NewProducer(strings.Split(brokerList, ","), logger)
		if err != nil {
			logger.WithError(err).Warn("Kafka producer unavailable, billing events disabled")
		} else {
			defer producer.Close()
			healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
		}
	}
	emitter := events.NewEmitter(producer, logger)

	stripeClient := stripe.NewClient(stripe.Config{
		SecretKey:     stripeSecret,
		WebhookSecret: webhookSecret,
		Logger:        logger,
	})

	// Domain engines
	hsiEngine := hsi.NewEngine(db, logger)
	cycles := ledger.NewCycleManager(db, logger, hsiEngine, int64(config.GetEnvInt("OVERFUNDING_TOLERANCE_CENTS", int(ledger.DefaultOverfundingToleranceCents))))
	billGen := ledger.NewBillGenerator(db, logger, hsiEngine, int64(config.GetEnvInt("CARD_FEE_CENTS", int(ledger.DefaultCardFeeCents))))
	allocator := ledger.NewAllocator(db, logger)
	processor := payments.NewProcessor(db, logger, stripeClient, 3, time.Second)
	settler := payments.NewSettler(logger, cycles, hsiEngine)
	sweeper := payments.NewSettlementSweeper(db, logger, stripeClient, settler, 15*time.Minute, time.Minute)
	consentMachine := consent.NewMachine(db, logger)
	reconciler := reconcile.NewWebhookReconciler(db, logger, settler, consentMachine, emitter)

	// Custom billing metrics
	metrics := &handlers.BursarMetrics{
		CycleOperations:   metricsCollector.NewCounter("cycle_operations_total", "Funding cycle operations", []string{"operation"}),
		PaymentsSubmitted: metricsCollector.NewCounter("payments_submitted_total", "Payments submitted", []string{"status"}),
		WebhookEvents:     metricsCollector.NewCounter("webhook_events_total", "Webhook events received", []string{"outcome"}),
	}
	chargesAllocated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bursar_charges_allocated_total",
		Help: "Charges created by bill allocation",
	})
	metricsCollector.RegisterCustomMetric("charges_allocated_total", chargesAllocated)
	metrics.ChargesAllocated = chargesAllocated

	// Initialize handlers
	handlers.Init(db, logger, metrics, handlers.Engines{
		Cycles:     cycles,
		BillGen:    billGen,
		Allocator:  allocator,
		HSI:        hsiEngine,
		Processor:  processor,
		Consent:    consentMachine,
		Reconciler: reconciler,
		Emitter:    emitter,
	}, webhookSecret)
	if stripeClient.Configured() {
		handlers.SetConsentIntentClient(stripeClient)
	}

	// Background jobs: settlement sweep, auto-close, payment retries, overdue scan
	jobManager := handlers.NewJobManager(db, logger, cycles, hsiEngine, processor, sweeper)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background billing jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/billing/ prefix)
	{
		// Member endpoints, authenticated by JWT
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/billing/ledgers/:ledger_id", handlers.GetLedger)
			protected.GET("/billing/services/:service_id/ledger", handlers.GetServiceLedger)
			protected.GET("/billing/houses/:house_id/hsi", handlers.GetHSI)
			protected.GET("/billing/houses/:house_id/bills", handlers.GetBills)
			protected.GET("/billing/bills/:bill_id/charges", handlers.GetCharges)
			protected.POST("/billing/charges/:charge_id/pay", handlers.SubmitPayment)
			protected.GET("/billing/payments/:payment_id", handlers.GetPayment)
			protected.POST("/billing/payments/:payment_id/retry", handlers.RetryPayment)
			protected.GET("/billing/tasks/:task_id", handlers.GetTask)
			protected.POST("/billing/tasks/:task_id/consent", handlers.RequestConsent)
			protected.POST("/billing/tasks/:task_id/consent/authorize", handlers.AuthorizeConsent)
			protected.DELETE("/billing/tasks/:task_id/consent", handlers.RevokeConsent)
		}

		// Webhook endpoint (signature-verified, no auth)
		router.POST("/webhooks/stripe", handlers.HandleStripeWebhook)

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/services", handlers.CreateService)
			serviceAPI.GET("/houses/:house_id/services", handlers.ListServices)
			serviceAPI.POST("/houses/:house_id/hsi/adjust", handlers.AdjustHSI)
			serviceAPI.POST("/services/:service_id/cycles", handlers.OpenCycle)
			serviceAPI.POST("/services/:service_id/card", handlers.RequestVirtualCard)
			serviceAPI.POST("/ledgers/:ledger_id/accrue", handlers.Accrue)
			serviceAPI.POST("/ledgers/:ledger_id/fronting", handlers.RecordFronting)
			serviceAPI.POST("/ledgers/:ledger_id/bill", handlers.GenerateBill)
			serviceAPI.POST("/ledgers/:ledger_id/close", handlers.CloseCycle)
			serviceAPI.POST("/bills/:bill_id/allocate", handlers.AllocateCharges)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18003")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
