/**
 * @description
 * This is the main entry point for the transaction-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the account-service client, the event outbox dispatcher, the reconciliation scheduler,
 * the core application service, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - github.com/joho/godotenv: Optional .env loading for local runs.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Backing store for the per-account rate limiter.
 * - go.uber.org/zap: Structured logging.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/accountclient: Client for the account-service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banking/transaction-service/internal/api"
	"github.com/banking/transaction-service/internal/app"
	"github.com/banking/transaction-service/internal/config"
	"github.com/banking/transaction-service/internal/store"
	"github.com/banking/transaction-service/pkg/accountclient"
	"github.com/banking/transaction-service/pkg/logging"
	rmrabbit "github.com/banking/transaction-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("level=info component=bootstrap msg=\"no .env file loaded\" err=%v", err)
	}

	// Load application configuration from environment variables.
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

	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		logger.Fatal("internal api key must be configured", zap.String("env", "INTERNAL_API_KEY"))
	}
	if strings.TrimSpace(cfg.AccountServiceURL) == "" {
		logger.Fatal("account-service url must be configured", zap.String("env", "ACCOUNT_SERVICE_URL"))
	}
	logger.Info("starting transaction-service", zap.String("port", cfg.ServerPort))

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
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
	logger.Info("database connected")

	repository := store.NewPostgresRepository(dbpool)

	accountClient := accountclient.NewClient(cfg.AccountServiceURL, accountclient.Options{
		APIKey:  cfg.AccountServiceInternalAPIKey,
		Timeout: cfg.AccountServiceTimeout(),
		Logger:  logging.Component(baseLogger, "accountclient"),
	})

	var limiter app.RateLimiter
	if cfg.TransactionRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			logger.Warn("redis url missing; transaction rate limiting disabled", zap.String("env", "REDIS_URL"))
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				logger.Warn("redis url parse failed; transaction rate limiting disabled", zap.Error(parseErr))
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				pingErr := redisClient.Ping(pingCtx).Err()
				cancelPing()
				if pingErr != nil {
					logger.Warn("redis ping failed; transaction rate limiting disabled", zap.Error(pingErr))
					redisClient.Close()
				} else {
					defer redisClient.Close()
					limiter = app.NewAccountRateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.TransactionRateLimitPerMinute, time.Minute)
					logger.Info("redis connected")
				}
			}
		}
	}

	// Publishing goes through the outbox; the broker connection is opened lazily
	// and reopened after failures.
	publisherLogger := logging.Component(baseLogger, "rabbitmq")
	dispatcher := app.NewOutboxDispatcher(repository, func() (rmrabbit.Publisher, error) {
		producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, publisherLogger)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}, app.OutboxOptions{
		BatchSize:    cfg.OutboxBatchSize,
		PollInterval: cfg.OutboxPollInterval(),
		MaxAttempts:  cfg.OutboxMaxAttempts,
		Logger:       baseLogger,
	})

	transactionService := app.NewService(repository, accountClient, app.Options{
		Exchange:              cfg.NotificationExchange,
		RoutingKey:            cfg.NotificationRoutingKey,
		RetryAttempts:         cfg.AccountRetryAttempts,
		RetryBackoff:          cfg.AccountRetryBackoff(),
		ConflictRetryAttempts: cfg.ConflictRetryAttempts,
		LedgerWriteTimeout:    cfg.LedgerWriteTimeout(),
		Dispatcher:            dispatcher,
		Limiter:               limiter,
		Logger:                baseLogger,
	})

	runCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go dispatcher.Run(runCtx)

	scheduler := app.NewScheduler(transactionService, cfg.ReconcileSchedule, cfg.ReconcileStaleAfter(), baseLogger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("reconciliation scheduler start failed", zap.Error(err))
	}

	transactionHandlers := api.NewTransactionHandlers(transactionService, cfg.ReconcileStaleAfter(), baseLogger)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           api.TransactionRoutes(transactionHandlers, cfg.InternalAPIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		logger.Warn("reconciliation job still running at shutdown")
	}
	stopBackground()

	logger.Info("shutdown complete")
}
