package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/broker"
	"herald/internal/logger"
	apperrors "herald/pkg/errors"
	"herald/pkg/models"
)

type recordingProducer struct {
	mu   sync.Mutex
	sent map[string][]models.MessageEnvelope
	err  error
}

func newRecordingProducer() *recordingProducer {
	return &recordingProducer{sent: make(map[string][]models.MessageEnvelope)}
}

func (p *recordingProducer) Publish(_ context.Context, topic string, msg models.MessageEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent[topic] = append(p.sent[topic], msg)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(producer *recordingProducer) (*Service, *MemoryRepository) {
	repo := NewMemoryRepository()
	var p broker.Producer
	if producer != nil {
		p = producer
	}
	svc := NewService(repo, p, "recorded_events", logger.NopLogger(),
		WithClock(func() time.Time { return testNow }))
	return svc, repo
}

func TestRecordEventPersistsAndAnnounces(t *testing.T) {
	producer := newRecordingProducer()
	svc, _ := newTestService(producer)

	ev, err := svc.RecordEvent(context.Background(), "TransactionUpdate", "0xabc",
		json.RawMessage(`{"status": "confirmed", "block": 12, "amount": 1.50}`))
	require.NoError(t, err)

	assert.EqualValues(t, 1, ev.ID)
	assert.False(t, ev.Processed)
	assert.Equal(t, testNow, ev.CreatedAt)
	assert.Equal(t, `{"amount":1.50,"block":12,"status":"confirmed"}`, string(ev.Payload))

	sent := producer.sent["recorded_events"]
	require.Len(t, sent, 1)
	id, err := sent[0].PayloadInt64(EventIDField)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, id)
	assert.Equal(t, models.SourceEventLog, sent[0].Source)
}

func TestRecordEventValidation(t *testing.T) {
	svc, repo := newTestService(newRecordingProducer())

	_, err := svc.RecordEvent(context.Background(), "Unknown", "", map[string]any{})
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.RecordEvent(context.Background(), "TransactionUpdate", "", []int{1, 2})
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.RecordEvent(context.Background(), "TransactionUpdate", "", func() {})
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.RecordEvent(context.Background(), "TransactionUpdate", "",
		json.RawMessage([]byte{'{', '"', 'k', '"', ':', '"', 0xff, '"', '}'}))
	assert.True(t, apperrors.IsValidation(err), "invalid UTF-8 is not coerced")

	pending, err := repo.FindUnprocessed(context.Background(), testNow, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecordEventSurvivesPublishFailure(t *testing.T) {
	producer := newRecordingProducer()
	producer.err = errors.New("broker down")
	svc, _ := newTestService(producer)

	ev, err := svc.RecordEvent(context.Background(), "TransactionUpdate", "", map[string]any{"a": 1})
	require.NoError(t, err)

	pending, err := svc.ListUnprocessed(context.Background(), testNow, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ev.ID, pending[0].ID)
}

func TestMarkProcessed(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	ev, err := svc.RecordEvent(ctx, "TransactionUpdate", "", map[string]any{"a": 1})
	require.NoError(t, err)

	require.NoError(t, svc.MarkProcessed(ctx, ev.ID))
	require.NoError(t, svc.MarkProcessed(ctx, ev.ID))

	got, err := svc.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	require.NotNil(t, got.ProcessedAt)
	assert.Equal(t, testNow, *got.ProcessedAt)

	assert.True(t, apperrors.IsNotFound(svc.MarkProcessed(ctx, 99)))

	missing, err := svc.Get(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListUnprocessedHonoursAgeAndLimit(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, nil, "", logger.NopLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.Create(ctx, CreateParams{Type: "TransactionUpdate", Payload: []byte(`{}`), CreatedAt: testNow.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	old, err := svc.ListUnprocessed(ctx, testNow.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, old, 2)

	limited, err := svc.ListUnprocessed(ctx, testNow.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.EqualValues(t, 1, limited[0].ID)
}

func TestHandleSourceMessage(t *testing.T) {
	producer := newRecordingProducer()
	svc, repo := newTestService(producer)

	msg := models.NewMessageEnvelopeBuilder().
		WithSource(models.SourceEventSource).
		WithPayloadField("type", "TransactionUpdate").
		WithPayloadField("scope", "0xabc").
		WithPayloadField("payload", map[string]any{"status": "mined"}).
		Build()

	require.NoError(t, svc.HandleSourceMessage(context.Background(), msg))

	ev, err := repo.FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "0xabc", ev.Scope)
	assert.JSONEq(t, `{"status":"mined"}`, string(ev.Payload))

	bad := models.NewMessageEnvelopeBuilder().WithSource(models.SourceEventSource).Build()
	err = svc.HandleSourceMessage(context.Background(), bad)
	assert.True(t, apperrors.IsValidation(err))
}

func TestHandleSourceMessageRejectsIncompleteEnvelope(t *testing.T) {
	producer := newRecordingProducer()
	svc, repo := newTestService(producer)

	valid := models.NewMessageEnvelopeBuilder().
		WithSource(models.SourceEventSource).
		WithPayloadField("type", "TransactionUpdate").
		WithPayloadField("payload", map[string]any{"status": "mined"}).
		Build()

	noSource := valid
	noSource.Source = ""
	noTimestamp := valid
	noTimestamp.Timestamp = time.Time{}
	noID := valid
	noID.ID = ""

	for name, msg := range map[string]models.MessageEnvelope{
		"source": noSource, "timestamp": noTimestamp, "id": noID,
	} {
		err := svc.HandleSourceMessage(context.Background(), msg)
		assert.True(t, apperrors.IsValidation(err), name)
	}

	ev, err := repo.FindByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, ev, "nothing is recorded")
}
