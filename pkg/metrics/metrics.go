package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SubscriptionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscriptions_created_total",
			Help: "Total number of subscriptions created (count)",
		},
		[]string{"event_type"},
	)

	SubscriptionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_transitions_total",
			Help: "Total number of subscription status transitions (count)",
		},
		[]string{"to"},
	)

	HandshakeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handshake_attempts_total",
			Help: "Total number of handshake attempts (count)",
		},
		[]string{"result"},
	)

	EventsRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_recorded_total",
			Help: "Total number of domain events recorded (count)",
		},
		[]string{"event_type"},
	)

	FanOutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanout_duration_ms",
			Help:    "Duration of event fan-out in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"status"},
	)

	NotificationsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Total number of notifications created by fan-out (count)",
		},
		[]string{"status"},
	)

	NotificationsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_resolved_total",
			Help: "Total number of notifications reaching a terminal status (count)",
		},
		[]string{"status"},
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_attempts_total",
			Help: "Total number of webhook delivery attempts (count)",
		},
		[]string{"result"},
	)

	WebhookRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_request_duration_ms",
			Help:    "Duration of outbound webhook requests in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"kind", "status_class"},
	)

	SchedulerJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_total",
			Help: "Total number of scheduled jobs by lifecycle stage (count)",
		},
		[]string{"scheduler", "kind", "stage"},
	)

	SchedulerPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_pending_jobs",
			Help: "Number of jobs waiting to fire (count)",
		},
		[]string{"scheduler"},
	)

	RecoverySweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_sweeps_total",
			Help: "Total number of recovery sweeps (count)",
		},
		[]string{"status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of consumer handler retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"database", "operation"},
	)
)

func RegisterPipelineMetrics() {
	prometheus.MustRegister(SubscriptionsCreatedTotal)
	prometheus.MustRegister(SubscriptionTransitionsTotal)
	prometheus.MustRegister(HandshakeAttemptsTotal)
	prometheus.MustRegister(EventsRecordedTotal)
	prometheus.MustRegister(FanOutDuration)
	prometheus.MustRegister(NotificationsCreatedTotal)
	prometheus.MustRegister(NotificationsResolvedTotal)
	prometheus.MustRegister(DeliveryAttemptsTotal)
	prometheus.MustRegister(WebhookRequestDuration)
	prometheus.MustRegister(SchedulerJobsTotal)
	prometheus.MustRegister(SchedulerPending)
	prometheus.MustRegister(RecoverySweepsTotal)
	prometheus.MustRegister(DatabaseQueriesTotal)
	prometheus.MustRegister(DatabaseQueryDuration)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(KafkaMessagesReadTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
	prometheus.MustRegister(KafkaWriteDuration)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterAPIMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func ObserveFanOutDuration(duration time.Duration, status string) {
	FanOutDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

// ObserveWebhookRequest records one outbound call. statusCode 0 means the
// request failed before a response was received.
func ObserveWebhookRequest(kind string, statusCode int, duration time.Duration) {
	WebhookRequestDuration.WithLabelValues(kind, statusClass(statusCode)).Observe(float64(duration.Milliseconds()))
}

func ObserveDatabaseQuery(database, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseQueriesTotal.WithLabelValues(database, operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(database, operation).Observe(float64(duration.Milliseconds()))
}

func IncSchedulerJob(scheduler, kind, stage string) {
	SchedulerJobsTotal.WithLabelValues(scheduler, kind, stage).Inc()
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func statusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}
