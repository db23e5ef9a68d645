package main

import (
	"context"
	"strings"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/handlers"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/ledger"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/notifier"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/orchestrator"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/provider"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/purchase"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/storage"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/auth"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/config"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/database"
	dbsql "github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/database/sql"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/kafka"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/logging"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/monitoring"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/server"
)

const version = "1.0.0"

func main() {
	logger := logging.NewLoggerWithService("reel")

	config.LoadEnv(logger)

	logger.Info("Starting Reel (Generation Orchestration API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	providerURL := config.RequireEnv("PROVIDER_URL")
	providerKey := config.RequireEnv("PROVIDER_API_KEY")

	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := database.ApplySchema(ctx, db, dbsql.Content, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	healthChecker := monitoring.NewHealthChecker("reel", version)
	metricsCollector := monitoring.NewMetricsCollector("reel", version, "")

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":     dbURL,
		"JWT_SECRET":       jwtSecret,
		"PROVIDER_URL":     providerURL,
		"PROVIDER_API_KEY": providerKey,
	}))

	store, err := storage.New(ctx, storage.ConfigFromEnv(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to object storage")
	}

	synth := provider.NewClient(providerURL, providerKey, config.GetEnv("PROVIDER_MODEL", "pet-video-v1"))

	var producer *kafka.Producer
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err = kafka.NewProducer(
			strings.Split(brokers, ","),
			"reel",
			config.GetEnv("KAFKA_JOB_EVENTS_TOPIC", "generation.job_events"),
			logger,
		)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create kafka producer")
		}
		defer producer.Close() //nolint:errcheck
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
	} else {
		logger.Warn("KAFKA_BROKERS not set, job events will not be published")
	}

	hub := notifier.NewHub(logger)
	go hub.Run()

	publisher := notifier.New(hub, producer, logger)
	credits := ledger.New(db, logger)

	orchCfg := orchestrator.Config{
		CreditCost:       config.GetEnvInt("GENERATION_CREDIT_COST", 1),
		PollBase:         config.GetEnvDuration("POLL_BASE", 0),
		PollCap:          config.GetEnvDuration("POLL_CAP", 0),
		PollCeiling:      config.GetEnvDuration("POLL_CEILING", 0),
		MaxPollAttempts:  config.GetEnvInt("POLL_MAX_ATTEMPTS", 0),
		DispatchInterval: config.GetEnvDuration("POLL_DISPATCH_INTERVAL", 0),
		SweepInterval:    config.GetEnvDuration("SWEEP_INTERVAL", 0),
		VideoDuration:    config.GetEnvInt("VIDEO_DURATION_SECONDS", 0),
		VideoResolution:  config.GetEnv("VIDEO_RESOLUTION", ""),
	}
	orchMetrics := orchestrator.NewMetrics(metricsCollector)
	orch := orchestrator.New(db, credits, store, synth, publisher, orchMetrics, logger, orchCfg)

	orch.Start(ctx)
	defer orch.Stop()
	logger.Info("Orchestrator started, polling and recovery active")

	var verifier *purchase.Verifier
	if purchaseURL := config.GetEnv("PURCHASE_VERIFIER_URL", ""); purchaseURL != "" {
		verifier = purchase.NewVerifier(purchaseURL, serviceToken)
	} else {
		logger.Warn("PURCHASE_VERIFIER_URL not set, purchase endpoint disabled")
	}

	handlers.Init(logger, orch, credits, verifier, hub)

	router := server.SetupServiceRouter(logger, "reel", healthChecker, metricsCollector)

	protected := router.Group("")
	protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
	{
		protected.POST("/generations", handlers.CreateGeneration)
		protected.GET("/generations", handlers.ListGenerations)
		protected.GET("/generations/:id", handlers.GetGeneration)
		protected.POST("/generations/:id/cancel", handlers.CancelGeneration)

		protected.GET("/credits/balance", handlers.GetBalance)
		protected.GET("/credits/ledger", handlers.GetLedger)
		protected.POST("/credits/redeem", handlers.RedeemCode)
		if verifier != nil {
			protected.POST("/credits/purchase", handlers.PurchaseCredits)
		}

		protected.GET("/ws", handlers.HandleWS)
	}

	admin := router.Group("/admin")
	admin.Use(auth.ServiceAuthMiddleware(serviceToken))
	{
		admin.POST("/redeem-codes", handlers.CreateRedeemCode)
	}

	serverConfig := server.DefaultConfig("reel", "18080")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
