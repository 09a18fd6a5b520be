package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"herald/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	validators := []func(*Config) error{
		func(c *Config) error { return validateServer(c.Server) },
		func(c *Config) error { return validateBroker(c.Broker) },
		func(c *Config) error { return validateDatabase(c) },
		func(c *Config) error { return validateSubscription(c.Subscription) },
		func(c *Config) error { return validateNotification(c.Notification) },
		func(c *Config) error { return validateScheduler(c) },
		func(c *Config) error { return validateRecovery(c.Recovery) },
	}
	for _, validate := range validators {
		if err := validate(cfg); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Webhook.Timeout <= 0 {
		errs = append(errs, &ValidationError{Field: "webhook.timeout", Message: "timeout must be positive"})
	}

	return errors.Join(errs...)
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}
	if cfg.ReadTimeout <= 0 {
		return &ValidationError{Field: "server.read_timeout", Message: "read timeout must be positive"}
	}
	if cfg.WriteTimeout <= 0 {
		return &ValidationError{Field: "server.write_timeout", Message: "write timeout must be positive"}
	}
	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case constants.BrokerMemory:
	case constants.BrokerKafka:
		if err := validateKafka(cfg.Kafka); err != nil {
			return err
		}
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %q (supported: memory, kafka)", cfg.Type),
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		return &ValidationError{Field: "broker.retry.max_attempts", Message: "max_attempts must be non-negative"}
	}
	if cfg.Retry.MaxInterval > 0 && cfg.Retry.InitialInterval > cfg.Retry.MaxInterval {
		return &ValidationError{
			Field:   "broker.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}
	if cfg.Retry.Multiplier <= 0 {
		return &ValidationError{Field: "broker.retry.multiplier", Message: "multiplier must be positive"}
	}
	return nil
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{Field: "broker.kafka.brokers", Message: "at least one Kafka broker is required"}
	}
	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}
	if cfg.GroupID == "" {
		return &ValidationError{Field: "broker.kafka.group_id", Message: "Kafka consumer group ID is required"}
	}
	if cfg.EventsTopic == "" {
		return &ValidationError{Field: "broker.kafka.events_topic", Message: "events topic is required"}
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	db := cfg.Database
	switch db.Store {
	case constants.StoreMemory:
	case constants.StorePostgres:
		if err := validatePostgres(db.Postgres); err != nil {
			return err
		}
	default:
		return &ValidationError{
			Field:   "database.store",
			Message: fmt.Sprintf("unknown store: %q (supported: memory, postgres)", db.Store),
		}
	}

	switch store := cfg.EventLogStore(); store {
	case constants.StoreMemory:
	case constants.StorePostgres:
		if err := validatePostgres(db.Postgres); err != nil {
			return err
		}
	case constants.StoreMongoDB:
		if err := validateMongoDB(db.MongoDB); err != nil {
			return err
		}
	default:
		return &ValidationError{
			Field:   "event_log.store",
			Message: fmt.Sprintf("unknown store: %q (supported: memory, postgres, mongodb)", store),
		}
	}
	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{Field: "database.postgres.host", Message: "PostgreSQL host is required"}
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}
	if cfg.User == "" {
		return &ValidationError{Field: "database.postgres.user", Message: "PostgreSQL user is required"}
	}
	if cfg.DBName == "" {
		return &ValidationError{Field: "database.postgres.dbname", Message: "PostgreSQL database name is required"}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s", cfg.SSLMode),
		}
	}
	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{Field: "database.redis.host", Message: "Redis host is required"}
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}
	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}
	if cfg.Database == "" {
		return &ValidationError{Field: "database.mongodb.database", Message: "MongoDB database name is required"}
	}
	return nil
}

func validateSubscription(cfg SubscriptionConfig) error {
	if cfg.HandshakeMaxTries < 1 {
		return &ValidationError{Field: "subscription.handshake_max_tries", Message: "must be at least 1"}
	}
	if cfg.HandshakeRetryInterval < 0 {
		return &ValidationError{Field: "subscription.handshake_retry_interval", Message: "must be non-negative"}
	}
	if cfg.DefaultTTL < 0 {
		return &ValidationError{Field: "subscription.default_ttl", Message: "must be non-negative"}
	}
	return nil
}

func validateNotification(cfg NotificationConfig) error {
	if cfg.MaxTries < 1 {
		return &ValidationError{Field: "notification.max_tries", Message: "must be at least 1"}
	}
	if cfg.RetryInterval < 0 {
		return &ValidationError{Field: "notification.retry_interval", Message: "must be non-negative"}
	}
	if cfg.BackoffMultiplier < 1 {
		return &ValidationError{Field: "notification.backoff_multiplier", Message: "must be at least 1"}
	}
	if cfg.MaxRetryInterval > 0 && cfg.MaxRetryInterval < cfg.RetryInterval {
		return &ValidationError{Field: "notification.max_retry_interval", Message: "must not be below retry_interval"}
	}
	return nil
}

func validateScheduler(cfg *Config) error {
	switch cfg.Scheduler.Type {
	case constants.SchedulerTimer:
		return nil
	case constants.SchedulerRedis:
		if cfg.Scheduler.PollInterval <= 0 {
			return &ValidationError{Field: "scheduler.poll_interval", Message: "poll interval must be positive"}
		}
		if cfg.Scheduler.RedisKey == "" {
			return &ValidationError{Field: "scheduler.redis_key", Message: "redis key is required"}
		}
		return validateRedis(cfg.Database.Redis)
	default:
		return &ValidationError{
			Field:   "scheduler.type",
			Message: fmt.Sprintf("unknown scheduler type: %q (supported: timer, redis)", cfg.Scheduler.Type),
		}
	}
}

func validateRecovery(cfg RecoveryConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return &ValidationError{Field: "recovery.schedule", Message: err.Error()}
	}
	if cfg.GracePeriod < 0 {
		return &ValidationError{Field: "recovery.grace_period", Message: "must be non-negative"}
	}
	return nil
}
