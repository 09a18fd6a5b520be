package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Subscription   SubscriptionConfig
	Notification   NotificationConfig
	Webhook        WebhookConfig
	Scheduler      SchedulerConfig
	EventLog       EventLogConfig `mapstructure:"event_log"`
	Recovery       RecoveryConfig
	API            APIConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	// Store selects the subscription/notification repositories: memory or postgres.
	Store         string `mapstructure:"store"`
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	Retry RetryConfig `mapstructure:"retry"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	// InputTopic carries domain occurrences from the upstream event source.
	InputTopic string `mapstructure:"input_topic"`
	// EventsTopic carries recorded event ids to the fan-out consumer.
	EventsTopic string `mapstructure:"events_topic"`
	DLQTopic    string `mapstructure:"dlq_topic"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SubscriptionConfig struct {
	HandshakeMaxTries      int           `mapstructure:"handshake_max_tries"`
	HandshakeRetryInterval time.Duration `mapstructure:"handshake_retry_interval"`
	DefaultTTL             time.Duration `mapstructure:"default_ttl"`
	RequireProof           bool          `mapstructure:"require_proof"`
}

type NotificationConfig struct {
	MaxTries          int           `mapstructure:"max_tries"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxRetryInterval  time.Duration `mapstructure:"max_retry_interval"`
}

type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	Type         string        `mapstructure:"type"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int64         `mapstructure:"batch_size"`
	RedisKey     string        `mapstructure:"redis_key"`
}

type EventLogConfig struct {
	// Store is memory, postgres or mongodb; empty follows database.store.
	Store string `mapstructure:"store"`
}

type RecoveryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Schedule    string        `mapstructure:"schedule"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	BatchSize   int           `mapstructure:"batch_size"`
}

type APIConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// EventLogStore resolves the effective event log backend.
func (c *Config) EventLogStore() string {
	if c.EventLog.Store != "" {
		return c.EventLog.Store
	}
	return c.Database.Store
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
