/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transaction-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	AppEnv                        string `mapstructure:"APP_ENV"`
	LogLevel                      string `mapstructure:"LOG_LEVEL"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	TransactionRateLimitPerMinute int    `mapstructure:"TRANSACTION_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange          string `mapstructure:"NOTIFICATION_EXCHANGE"`
	NotificationRoutingKey        string `mapstructure:"NOTIFICATION_ROUTING_KEY"`
	NotificationQueue             string `mapstructure:"NOTIFICATION_QUEUE"`
	AccountServiceURL             string `mapstructure:"ACCOUNT_SERVICE_URL"`
	AccountServiceInternalAPIKey  string `mapstructure:"ACCOUNT_SERVICE_INTERNAL_API_KEY"`
	AccountServiceTimeoutMS       int    `mapstructure:"ACCOUNT_SERVICE_TIMEOUT_MS"`
	AccountRetryAttempts          int    `mapstructure:"ACCOUNT_RETRY_ATTEMPTS"`
	AccountRetryBackoffMS         int    `mapstructure:"ACCOUNT_RETRY_BACKOFF_MS"`
	ConflictRetryAttempts         int    `mapstructure:"CONFLICT_RETRY_ATTEMPTS"`
	LedgerWriteTimeoutMS          int    `mapstructure:"LEDGER_WRITE_TIMEOUT_MS"`
	InternalAPIKey                string `mapstructure:"INTERNAL_API_KEY"`
	ReconcileSchedule             string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileStaleAfterSeconds    int    `mapstructure:"RECONCILE_STALE_AFTER_SECONDS"`
	OutboxPollIntervalMS          int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	OutboxBatchSize               int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts             int    `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
}

const (
	defaultServerPort            = "8002"
	defaultExchange              = "banking_events"
	defaultRoutingKey            = "transaction.completed"
	defaultQueue                 = "notifications"
	defaultRateLimitPrefix       = "banking:rate_limit"
	defaultAccountTimeoutMS      = 5000
	defaultAccountRetryAttempts  = 3
	defaultAccountRetryBackoffMS = 100
	defaultConflictRetryAttempts = 3
	defaultLedgerWriteTimeoutMS  = 5000
	defaultReconcileSchedule     = "@every 1m"
	defaultReconcileStaleSeconds = 300
	defaultOutboxPollIntervalMS  = 2000
	defaultOutboxBatchSize       = 50
	defaultOutboxMaxAttempts     = 10
	defaultRateLimitPerMinute    = 60
)

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("NOTIFICATION_EXCHANGE", defaultExchange)
	viper.SetDefault("NOTIFICATION_ROUTING_KEY", defaultRoutingKey)
	viper.SetDefault("NOTIFICATION_QUEUE", defaultQueue)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("TRANSACTION_RATE_LIMIT_PER_MINUTE", defaultRateLimitPerMinute)
	viper.SetDefault("ACCOUNT_SERVICE_URL", "http://localhost:8001")
	viper.SetDefault("ACCOUNT_SERVICE_TIMEOUT_MS", defaultAccountTimeoutMS)
	viper.SetDefault("ACCOUNT_RETRY_ATTEMPTS", defaultAccountRetryAttempts)
	viper.SetDefault("ACCOUNT_RETRY_BACKOFF_MS", defaultAccountRetryBackoffMS)
	viper.SetDefault("CONFLICT_RETRY_ATTEMPTS", defaultConflictRetryAttempts)
	viper.SetDefault("LEDGER_WRITE_TIMEOUT_MS", defaultLedgerWriteTimeoutMS)
	viper.SetDefault("RECONCILE_SCHEDULE", defaultReconcileSchedule)
	viper.SetDefault("RECONCILE_STALE_AFTER_SECONDS", defaultReconcileStaleSeconds)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", defaultOutboxPollIntervalMS)
	viper.SetDefault("OUTBOX_BATCH_SIZE", defaultOutboxBatchSize)
	viper.SetDefault("OUTBOX_MAX_ATTEMPTS", defaultOutboxMaxAttempts)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("APP_ENV")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSACTION_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("TRANSACTION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("NOTIFICATION_EXCHANGE")
	_ = viper.BindEnv("NOTIFICATION_ROUTING_KEY")
	_ = viper.BindEnv("NOTIFICATION_QUEUE")
	_ = viper.BindEnv("ACCOUNT_SERVICE_URL")
	_ = viper.BindEnv("ACCOUNT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ACCOUNT_SERVICE_TIMEOUT_MS")
	_ = viper.BindEnv("ACCOUNT_RETRY_ATTEMPTS")
	_ = viper.BindEnv("ACCOUNT_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("CONFLICT_RETRY_ATTEMPTS")
	_ = viper.BindEnv("LEDGER_WRITE_TIMEOUT_MS")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSACTION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_STALE_AFTER_SECONDS")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_MAX_ATTEMPTS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.InternalAPIKey == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TRANSACTION_SERVICE_INTERNAL_API_KEY"))
	}
	config.AccountServiceInternalAPIKey = strings.TrimSpace(config.AccountServiceInternalAPIKey)
	if config.AccountServiceInternalAPIKey == "" {
		config.AccountServiceInternalAPIKey = config.InternalAPIKey
	}
	config.AccountServiceURL = strings.TrimRight(strings.TrimSpace(config.AccountServiceURL), "/")
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.NotificationExchange = defaultIfBlank(config.NotificationExchange, defaultExchange)
	config.NotificationRoutingKey = defaultIfBlank(config.NotificationRoutingKey, defaultRoutingKey)
	config.NotificationQueue = defaultIfBlank(config.NotificationQueue, defaultQueue)
	config.ReconcileSchedule = defaultIfBlank(config.ReconcileSchedule, defaultReconcileSchedule)

	config.AccountServiceTimeoutMS = positiveOrDefault("ACCOUNT_SERVICE_TIMEOUT_MS", config.AccountServiceTimeoutMS, defaultAccountTimeoutMS)
	config.AccountRetryAttempts = positiveOrDefault("ACCOUNT_RETRY_ATTEMPTS", config.AccountRetryAttempts, defaultAccountRetryAttempts)
	config.AccountRetryBackoffMS = positiveOrDefault("ACCOUNT_RETRY_BACKOFF_MS", config.AccountRetryBackoffMS, defaultAccountRetryBackoffMS)
	config.ConflictRetryAttempts = positiveOrDefault("CONFLICT_RETRY_ATTEMPTS", config.ConflictRetryAttempts, defaultConflictRetryAttempts)
	config.LedgerWriteTimeoutMS = positiveOrDefault("LEDGER_WRITE_TIMEOUT_MS", config.LedgerWriteTimeoutMS, defaultLedgerWriteTimeoutMS)
	config.ReconcileStaleAfterSeconds = positiveOrDefault("RECONCILE_STALE_AFTER_SECONDS", config.ReconcileStaleAfterSeconds, defaultReconcileStaleSeconds)
	config.OutboxPollIntervalMS = positiveOrDefault("OUTBOX_POLL_INTERVAL_MS", config.OutboxPollIntervalMS, defaultOutboxPollIntervalMS)
	config.OutboxBatchSize = positiveOrDefault("OUTBOX_BATCH_SIZE", config.OutboxBatchSize, defaultOutboxBatchSize)
	config.OutboxMaxAttempts = positiveOrDefault("OUTBOX_MAX_ATTEMPTS", config.OutboxMaxAttempts, defaultOutboxMaxAttempts)

	// Zero disables the limiter; negative values are treated as zero.
	if config.TransactionRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative rate limit configured; disabling limiter\" value=%d", config.TransactionRateLimitPerMinute)
		config.TransactionRateLimitPerMinute = 0
	}

	return
}

// AccountServiceTimeout returns the per-call timeout for the account service.
func (c Config) AccountServiceTimeout() time.Duration {
	return time.Duration(c.AccountServiceTimeoutMS) * time.Millisecond
}

func (c Config) AccountRetryBackoff() time.Duration {
	return time.Duration(c.AccountRetryBackoffMS) * time.Millisecond
}

func (c Config) LedgerWriteTimeout() time.Duration {
	return time.Duration(c.LedgerWriteTimeoutMS) * time.Millisecond
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}

func (c Config) ReconcileStaleAfter() time.Duration {
	return time.Duration(c.ReconcileStaleAfterSeconds) * time.Second
}

func defaultIfBlank(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func positiveOrDefault(key string, value, fallback int) int {
	if value > 0 {
		return value
	}
	log.Printf("level=warn component=config msg=\"non-positive value configured; using default\" key=%s value=%d default=%d", key, value, fallback)
	return fallback
}
