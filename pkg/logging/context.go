package logging

import (
	"context"
	"strconv"
)

type contextKey string

const (
	TraceIDKey        = "trace_id"
	MessageIDKey      = "message_id"
	ServiceNameKey    = "service_name"
	SubscriptionIDKey = "subscription_id"
	NotificationIDKey = "notification_id"
	EventIDKey        = "event_id"
)

// fieldOrder fixes the order in which context fields are emitted.
var fieldOrder = []string{
	TraceIDKey,
	MessageIDKey,
	ServiceNameKey,
	EventIDKey,
	SubscriptionIDKey,
	NotificationIDKey,
}

func with(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, contextKey(key), value)
}

func get(ctx context.Context, key string) string {
	if v, ok := ctx.Value(contextKey(key)).(string); ok {
		return v
	}
	return ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, TraceIDKey, traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return with(ctx, MessageIDKey, messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return with(ctx, ServiceNameKey, serviceName)
}

func WithSubscriptionID(ctx context.Context, id int64) context.Context {
	return with(ctx, SubscriptionIDKey, strconv.FormatInt(id, 10))
}

func WithNotificationID(ctx context.Context, id int64) context.Context {
	return with(ctx, NotificationIDKey, strconv.FormatInt(id, 10))
}

func WithEventID(ctx context.Context, id int64) context.Context {
	return with(ctx, EventIDKey, strconv.FormatInt(id, 10))
}

func GetTraceID(ctx context.Context) string {
	return get(ctx, TraceIDKey)
}

func GetServiceName(ctx context.Context) string {
	return get(ctx, ServiceNameKey)
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, len(fieldOrder)*2)
	for _, key := range fieldOrder {
		if v := get(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}
	return fields
}
