package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithTraceID(ctx, "abc")
	ctx = WithNotificationID(ctx, 7)
	ctx = WithSubscriptionID(ctx, 3)
	ctx = WithEventID(ctx, 42)

	assert.Equal(t, []interface{}{
		"trace_id", "abc",
		"event_id", "42",
		"subscription_id", "3",
		"notification_id", "7",
	}, GetLogFields(ctx))
	assert.Equal(t, "abc", GetTraceID(ctx))
	assert.Empty(t, GetServiceName(ctx))
}
