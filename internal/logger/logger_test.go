package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"herald/pkg/logging"
)

func TestContextFieldsAreAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := &SugaredLogger{SugaredLogger: zap.New(core).Sugar()}
	log.SetServiceName("notifier-service")

	ctx := logging.WithNotificationID(context.Background(), 12)
	log.InfowCtx(ctx, "delivered", "status_code", 204)

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "12", fields["notification_id"])
		assert.Equal(t, "notifier-service", fields["service_name"])
		assert.EqualValues(t, 204, fields["status_code"])
	}
}

func TestWithKeepsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewFromZap(zap.New(core)).With("component", "dispatcher")

	log.Infow("fan-out complete")
	log.Debugw("dropped below level")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "dispatcher", entries[0].ContextMap()["component"])
	}
}

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		l, err := New(level, "json")
		assert.NoError(t, err, level)
		assert.NotNil(t, l)
	}
}
