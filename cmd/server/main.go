package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elementum-club/service-subscription/internal/adapter"
	"github.com/elementum-club/service-subscription/internal/application"
	"github.com/elementum-club/service-subscription/internal/bot"
	"github.com/elementum-club/service-subscription/internal/config"
	planDomain "github.com/elementum-club/service-subscription/internal/domain/plan"
	"github.com/elementum-club/service-subscription/internal/events"
	"github.com/elementum-club/service-subscription/internal/handler"
	"github.com/elementum-club/service-subscription/internal/logger"
	"github.com/elementum-club/service-subscription/internal/middleware"
	"github.com/elementum-club/service-subscription/internal/repository"
	"github.com/elementum-club/service-subscription/internal/saga"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize logger
	zapLogger, err := logger.NewNamed(cfg.AppEnv, "service-subscription")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("starting service-subscription",
		zap.String("port", cfg.Port),
		zap.Duration("check_interval", cfg.CheckInterval),
	)

	// Plan catalog and subscription state
	catalog := planDomain.DefaultCatalog()

	store, err := repository.NewFileStore(cfg.StorePath, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to initialize subscription store", zap.Error(err))
	}

	subService, err := application.NewSubscriptionService(catalog, store, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to initialize subscription service", zap.Error(err))
	}

	// Optional payment journal
	var journal handler.NotificationJournal
	if cfg.JournalDatabaseURL != "" {
		db, err := gorm.Open(postgres.Open(cfg.JournalDatabaseURL), &gorm.Config{})
		if err != nil {
			zapLogger.Fatal("failed to connect to journal database", zap.Error(err))
		}
		if err := db.AutoMigrate(&repository.PaymentNotificationModel{}); err != nil {
			zapLogger.Fatal("failed to migrate journal database", zap.Error(err))
		}
		journal = repository.NewPaymentJournal(db)
		zapLogger.Info("payment journal enabled")
	} else {
		zapLogger.Info("no journal database configured, payment journal disabled")
	}

	// Optional Kafka event publishing
	publisher := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
	defer publisher.Close()

	// External gateways
	messenger := adapter.NewTelegramMessenger(cfg.Telegram.BotToken, zapLogger)
	gateway := adapter.NewCloudPaymentsGateway(
		cfg.CloudPayments.PublicID,
		cfg.CloudPayments.APISecret,
		cfg.CloudPayments.ReturnURL,
		zapLogger,
	)

	// Core services
	reconciler := application.NewPaymentReconciler(zapLogger)
	lifecycle := saga.NewLifecycleService(
		subService,
		catalog,
		messenger,
		publisher,
		cfg.Telegram.PrivateChannelID,
		cfg.CheckInterval,
		zapLogger,
	)

	inviteExpiry := time.Duration(cfg.Telegram.InviteLinkExpireHours) * time.Hour
	webhookHandler := handler.NewWebhookHandler(
		reconciler, subService, messenger, gateway, journal, publisher,
		cfg.Telegram.PrivateChannelID, inviteExpiry, zapLogger,
	)
	subHandler := handler.NewSubscriptionHandler(subService)

	// Setup Gin router
	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(zapLogger))
	router.Use(middleware.LoggerMiddleware(zapLogger))
	router.Use(middleware.RequestIDMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	webhookHandler.RegisterRoutes(router)

	apiV1 := router.Group("/api/v1")
	subHandler.RegisterRoutes(apiV1, cfg.AdminJWTSecret)

	// Start bot long-poll loop
	botCtx, botCancel := context.WithCancel(context.Background())
	defer botCancel()

	commandBot := bot.New(messenger, messenger, subService, gateway, cfg.Telegram.PollTimeout, zapLogger)
	go func() {
		zapLogger.Info("starting telegram command loop")
		if err := commandBot.Start(botCtx); err != nil && botCtx.Err() == nil {
			zapLogger.Error("telegram command loop stopped", zap.Error(err))
		}
	}()

	// Start lifecycle job
	if err := lifecycle.Start(); err != nil {
		zapLogger.Fatal("failed to start lifecycle job", zap.Error(err))
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zapLogger.Info("HTTP server starting", zap.String("addr", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down service-subscription...")

	lifecycle.Stop()
	botCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("service-subscription stopped")
}
