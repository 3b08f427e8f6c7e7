/**
 * @description
 * Entry point for the notification consumer. It binds a durable queue to the
 * transaction notification routing key and stores every event as a user
 * notification row. The process exits non-zero when the broker connection drops
 * so the orchestrator restarts it.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - go.uber.org/zap: Structured logging.
 * - pkg/rabbitmq: Queue consumer with manual acknowledgement.
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banking/transaction-service/internal/app"
	"github.com/banking/transaction-service/internal/config"
	"github.com/banking/transaction-service/internal/store"
	"github.com/banking/transaction-service/pkg/logging"
	rmrabbit "github.com/banking/transaction-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("level=info component=bootstrap msg=\"no .env file loaded\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	baseLogger, err := logging.New(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"logger init failed\" err=%v", err)
	}
	defer baseLogger.Sync()
	logger := logging.Component(baseLogger, "bootstrap")

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.EnsureSchema(schemaCtx, dbpool); err != nil {
		cancelSchema()
		logger.Fatal("schema migration failed", zap.Error(err))
	}
	cancelSchema()

	notificationConsumer := app.NewNotificationConsumer(
		store.NewPostgresNotificationRepository(dbpool),
		baseLogger,
	)

	consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logging.Component(baseLogger, "rabbitmq"))
	if err != nil {
		logger.Fatal("rabbitmq connection failed", zap.Error(err))
	}
	defer consumer.Close()

	err = consumer.ConsumeWithBindings(cfg.NotificationExchange, cfg.NotificationQueue, map[string]rmrabbit.Handler{
		cfg.NotificationRoutingKey: notificationConsumer.HandleMessage,
	})
	if err != nil {
		logger.Fatal("consumer start failed", zap.Error(err))
	}
	logger.Info("notification consumer started",
		zap.String("exchange", cfg.NotificationExchange),
		zap.String("queue", cfg.NotificationQueue),
		zap.String("routing_key", cfg.NotificationRoutingKey),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown complete")
	case <-consumer.Done():
		logger.Error("delivery channel closed; exiting for restart")
		consumer.Close()
		dbpool.Close()
		baseLogger.Sync()
		os.Exit(1)
	}
}
