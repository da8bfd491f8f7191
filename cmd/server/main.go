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

	"cinema-orders/config"
	"cinema-orders/internal/api"
	"cinema-orders/internal/dispatch"
	"cinema-orders/internal/gateway"
	"cinema-orders/internal/notify"
	"cinema-orders/internal/redisclient"
	"cinema-orders/internal/service"
	"cinema-orders/internal/store"
	"cinema-orders/internal/util"
	"cinema-orders/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting cinema orders service")

	tp, err := util.InitTracer("cinema-orders", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
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
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connected")

	if err := db.RunMigrations(cfg.Database.MigrationsPath); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := dispatch.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicJobs)
	defer producer.Close()
	dispatcher := dispatch.NewDispatcher(producer)
	logger.Info("Kafka producer initialized")

	paymentGateway := gateway.NewHTTPGateway(
		cfg.Gateway.BaseURL,
		cfg.Gateway.SecretKey,
		cfg.Gateway.WebhookSecret,
		cfg.Gateway.Currency,
	)

	carts := service.NewCartService(db)
	ledger := service.NewLedger(db, redisClient)
	orders := service.NewOrchestrator(db, carts, ledger, paymentGateway, dispatcher, redisClient, service.OrchestratorConfig{
		Currency:        cfg.Gateway.Currency,
		OrderTimeout:    time.Duration(cfg.Business.OrderTimeoutSeconds) * time.Second,
		DispatchRetries: cfg.Business.DispatchRetryAttempts,
	})

	var sender notify.EmailSender
	if cfg.SMTP.Enabled {
		sender = notify.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	} else {
		sender = notify.NewLogSender()
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	consumer := dispatch.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicJobs, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(consumer, db, sender)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	// stale AWAITING_PAYMENT orders get cancelled on a timer
	sweepInterval := time.Duration(cfg.Business.StaleSweepSeconds) * time.Second
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if _, err := orders.CancelStaleOrders(workerCtx); err != nil {
					logger.Error("Stale order sweep failed", zap.Error(err))
				}
			}
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(carts, orders, paymentGateway, cfg.Auth.JWTSecret)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	notificationWorker.Stop()

	logger.Info("Server exited")
}
