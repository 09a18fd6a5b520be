package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"herald/internal/constants"
)

// LoadConfig reads configFile (optional) and layers environment variables on
// top. An empty configFile means defaults plus environment only.
func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")

	viper.SetDefault("database.store", constants.StoreMemory)
	viper.SetDefault("database.run_migrations", true)
	viper.SetDefault("database.postgres.sslmode", "disable")
	viper.SetDefault("database.mongodb.database", constants.DefaultMongoDBName)

	viper.SetDefault("broker.type", constants.BrokerMemory)
	viper.SetDefault("broker.kafka.group_id", "notifier-service")
	viper.SetDefault("broker.kafka.input_topic", constants.DefaultInputTopic)
	viper.SetDefault("broker.kafka.events_topic", constants.DefaultEventsTopic)
	viper.SetDefault("broker.kafka.dlq_topic", constants.DefaultDLQTopic)
	viper.SetDefault("broker.retry.max_attempts", 3)
	viper.SetDefault("broker.retry.initial_interval", "100ms")
	viper.SetDefault("broker.retry.max_interval", "5s")
	viper.SetDefault("broker.retry.multiplier", 2.0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("subscription.handshake_max_tries", 5)
	viper.SetDefault("subscription.handshake_retry_interval", "10s")
	viper.SetDefault("subscription.default_ttl", "720h")
	viper.SetDefault("subscription.require_proof", true)

	viper.SetDefault("notification.max_tries", 5)
	viper.SetDefault("notification.retry_interval", "30s")
	viper.SetDefault("notification.backoff_multiplier", 1.0)
	viper.SetDefault("notification.max_retry_interval", "10m")

	viper.SetDefault("webhook.timeout", constants.DefaultWebhookTimeout.String())

	viper.SetDefault("scheduler.type", constants.SchedulerTimer)
	viper.SetDefault("scheduler.poll_interval", "500ms")
	viper.SetDefault("scheduler.batch_size", 100)
	viper.SetDefault("scheduler.redis_key", constants.DefaultSchedulerKey)

	viper.SetDefault("recovery.enabled", true)
	viper.SetDefault("recovery.schedule", "@every 1m")
	viper.SetDefault("recovery.grace_period", "2m")
	viper.SetDefault("recovery.batch_size", constants.DefaultLimit)

	viper.SetDefault("api.rate_limit.rps", 50)
	viper.SetDefault("api.rate_limit.burst", 100)
	viper.SetDefault("api.rate_limit.cleanup_interval", "1m")
	viper.SetDefault("api.rate_limit.max_age", "5m")

	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("circuit_breaker.interval", "60s")
	viper.SetDefault("circuit_breaker.timeout", "30s")
	viper.SetDefault("circuit_breaker.failure_ratio", 0.6)
	viper.SetDefault("circuit_breaker.min_requests", 5)

	viper.SetDefault("tracing.service_name", "notifier-service")
	viper.SetDefault("tracing.sampler.type", "always")
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.input_topic", "BROKER_KAFKA_INPUT_TOPIC")
	viper.BindEnv("broker.kafka.events_topic", "BROKER_KAFKA_EVENTS_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("database.store", "DATABASE_STORE")
	viper.BindEnv("database.run_migrations", "DATABASE_RUN_MIGRATIONS")
	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("event_log.store", "EVENT_LOG_STORE")

	viper.BindEnv("subscription.handshake_max_tries", "SUBSCRIPTION_HANDSHAKE_MAX_TRIES")
	viper.BindEnv("subscription.handshake_retry_interval", "SUBSCRIPTION_HANDSHAKE_RETRY_INTERVAL")
	viper.BindEnv("subscription.default_ttl", "SUBSCRIPTION_DEFAULT_TTL")
	viper.BindEnv("subscription.require_proof", "SUBSCRIPTION_REQUIRE_PROOF")

	viper.BindEnv("notification.max_tries", "NOTIFICATION_MAX_TRIES")
	viper.BindEnv("notification.retry_interval", "NOTIFICATION_RETRY_INTERVAL")
	viper.BindEnv("notification.backoff_multiplier", "NOTIFICATION_BACKOFF_MULTIPLIER")
	viper.BindEnv("notification.max_retry_interval", "NOTIFICATION_MAX_RETRY_INTERVAL")

	viper.BindEnv("webhook.timeout", "WEBHOOK_TIMEOUT")

	viper.BindEnv("scheduler.type", "SCHEDULER_TYPE")
	viper.BindEnv("scheduler.poll_interval", "SCHEDULER_POLL_INTERVAL")
	viper.BindEnv("scheduler.redis_key", "SCHEDULER_REDIS_KEY")

	viper.BindEnv("recovery.enabled", "RECOVERY_ENABLED")
	viper.BindEnv("recovery.schedule", "RECOVERY_SCHEDULE")
	viper.BindEnv("recovery.grace_period", "RECOVERY_GRACE_PERIOD")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("circuit_breaker.enabled", "CIRCUIT_BREAKER_ENABLED")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) {
	// Comma separated lists are not split by viper when they come from env.
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}
}
