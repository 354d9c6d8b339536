package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pass-service/config"
	"pass-service/internal/api"
	"pass-service/internal/broker"
	"pass-service/internal/gateway"
	"pass-service/internal/redisclient"
	"pass-service/internal/service"
	"pass-service/internal/store"
	"pass-service/internal/util"
	"pass-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting pass service")

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatal("Failed to apply schema", zap.Error(err))
	}
	migrateCancel()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPass)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	gw := gateway.NewClient(gateway.Config{
		AuthURL:          cfg.Gateway.AuthURL,
		BaseURL:          cfg.Gateway.BaseURL,
		ClientID:         cfg.Gateway.ClientID,
		ClientSecret:     cfg.Gateway.ClientSecret,
		ClientVersion:    cfg.Gateway.ClientVersion,
		Timeout:          time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
		OrderExpireAfter: time.Duration(cfg.Gateway.OrderExpireSeconds) * time.Second,
		CallbackBaseURL:  cfg.Server.PublicBaseURL,
	}, redisClient)

	opts := service.Options{
		PassTTL:            cfg.Business.PassTTL(),
		MinorUnitsPerMajor: cfg.Business.MinorUnitsPerMajor,
		DefaultPassType:    cfg.Business.DefaultPassType,
		PublicBaseURL:      cfg.Server.PublicBaseURL,
	}
	bookingService := service.NewBookingService(db, gw, eventPublisher, opts)
	reconciler := service.NewReconciler(db, gw, eventPublisher, opts)
	redemptionService := service.NewRedemptionService(db, eventPublisher, opts)
	sweeper := service.NewSweeper(db, redisClient, eventPublisher, cfg.Business.SweepInterval())

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	recheckConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPass, cfg.Kafka.ConsumerGroup)
	recheckWorker := worker.NewRecheckWorker(recheckConsumer, reconciler)
	go func() {
		if err := recheckWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Recheck worker error", zap.Error(err))
		}
	}()

	sweepWorker := worker.NewSweepWorker(sweeper, cfg.Business.SweepInterval())
	go func() {
		if err := sweepWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Sweep worker error", zap.Error(err))
		}
	}()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	webhookDigest := ""
	if cfg.Webhook.Enabled() {
		webhookDigest = gateway.WebhookDigest(cfg.Webhook.Username, cfg.Webhook.Password)
	} else {
		logger.Warn("Webhook credentials not configured, signature checking disabled")
	}

	router := gin.New()
	handler := api.NewHandler(bookingService, reconciler, redemptionService, api.Config{
		Env:           cfg.Server.Env,
		FrontendURL:   cfg.Server.FrontendURL,
		JWTSecret:     cfg.Auth.JWTSecret,
		WebhookDigest: webhookDigest,
		Ready: map[string]api.Pinger{
			"database": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := recheckWorker.Stop(); err != nil {
		logger.Warn("Error stopping recheck worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
