package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/xiangteng007/signalfuse/internal/api"
	"github.com/xiangteng007/signalfuse/internal/cache"
	"github.com/xiangteng007/signalfuse/internal/config"
	"github.com/xiangteng007/signalfuse/internal/database"
	"github.com/xiangteng007/signalfuse/internal/feeds"
	"github.com/xiangteng007/signalfuse/internal/metrics"
	"github.com/xiangteng007/signalfuse/internal/models"
	"github.com/xiangteng007/signalfuse/internal/queue"
	"github.com/xiangteng007/signalfuse/internal/services"
)

func main() {
	// Load .env if present; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redis, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.EnsureSchema(ctx, db.Pool); err != nil {
		logger.Fatalf("Failed to apply schema: %v", err)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry)

	idem := cache.NewRedisIdempotencyStore(redis.Client, "")
	defer idem.Close()

	signalRepo := database.NewSignalRepository(db.Pool)
	eventRepo := database.NewEventRepository(db.Pool)
	ruleRepo := database.NewRuleRepository(db.Pool, logger)
	auditRepo := database.NewAuditRepository(db.Pool)

	collector := services.NewCollectorService(
		feeds.NewMarketClient(cfg.Feeds),
		feeds.NewNewsClient(cfg.Feeds),
		feeds.NewSocialClient(cfg.Feeds),
		signalRepo,
		services.NewAnomalyDetector(cfg.Anomaly, logger),
		idem,
		recorder,
		logger,
		cfg.Ingest,
	)
	fusion := services.NewFusionEngine(cfg, signalRepo, eventRepo, recorder, logger)
	alerts := services.NewAlertEngine(
		eventRepo, ruleRepo, auditRepo, idem,
		services.NewChannelSet(), recorder, logger, cfg.Alert,
	)

	manager := queue.NewManager(redis.Client, logger, cfg.Queues, services.IsRetryable)
	manager.Register(queue.TypeCollect, func(ctx context.Context, job *queue.Job) error {
		_, err := collector.Collect(ctx, models.SignalSource(job.Payload["source"]))
		return err
	})
	manager.Register(queue.TypeFuse, func(ctx context.Context, job *queue.Job) error {
		_, err := fusion.RunOnce(ctx)
		return err
	})
	manager.Register(queue.TypeDispatch, func(ctx context.Context, job *queue.Job) error {
		_, err := alerts.DispatchEvent(ctx, job.Payload["event_id"])
		return err
	})
	manager.Start(ctx)
	defer manager.Stop()

	scheduler := queue.NewScheduler(manager, logger, cfg.Ingest, cfg.Fusion)
	fusion.SetOnFused(scheduler.EnqueueDispatch)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	cleanup := services.NewCleanupService(signalRepo, eventRepo, logger, cfg.Retention)
	cleanup.Start(ctx)
	defer cleanup.Stop()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, api.Deps{
		DB:        db,
		Redis:     redis,
		Events:    eventRepo,
		Collector: collector,
		Fusion:    fusion,
		Alerts:    alerts,
		Queue:     manager,
		Registry:  registry,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		os.Exit(1)
	}
	logger.Info("Server exited")
}
