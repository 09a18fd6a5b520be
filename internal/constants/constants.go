package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultWebhookTimeout = 10 * time.Second
	// MaxWebhookResponseBytes caps how much of a consumer response is read.
	MaxWebhookResponseBytes = 64 << 10
)

const (
	DefaultInputTopic   = "domain_events"
	DefaultEventsTopic  = "recorded_events"
	DefaultDLQTopic     = "recorded_events_dlq"
	DefaultSchedulerKey = "herald:scheduler"
	DefaultMongoDBName  = "herald"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongoDB  = "mongodb"

	BrokerMemory = "memory"
	BrokerKafka  = "kafka"

	SchedulerTimer = "timer"
	SchedulerRedis = "redis"
)

// Scheduler job kinds.
const (
	JobHandshake = "handshake"
	JobDeliver   = "deliver"
)

const (
	// EventTypeTransactionUpdate is emitted when a tracked transaction changes status.
	EventTypeTransactionUpdate = "TransactionUpdate"
)

// SupportedEventTypes lists the event types subscriptions may be created for.
var SupportedEventTypes = []string{
	EventTypeTransactionUpdate,
}

const (
	HeaderSignature      = "X-Herald-Signature"
	HeaderNonce          = "X-Herald-Nonce"
	HeaderNotificationID = "X-Herald-Notification-Id"
	HeaderSubscriptionID = "X-Herald-Subscription-Id"
	HeaderEventType      = "X-Herald-Event-Type"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

// IsSupportedEventType reports whether t is a known event type.
func IsSupportedEventType(t string) bool {
	for _, s := range SupportedEventTypes {
		if s == t {
			return true
		}
	}
	return false
}
