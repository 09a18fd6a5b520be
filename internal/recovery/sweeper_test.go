package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/config"
	"herald/internal/eventlog"
	"herald/internal/logger"
	"herald/internal/notification"
)

type fakeFanOut struct {
	calls []int64
	fail  map[int64]bool
	svc   *eventlog.Service
}

func (f *fakeFanOut) FanOut(ctx context.Context, id int64) ([]notification.Notification, error) {
	f.calls = append(f.calls, id)
	if f.fail[id] {
		return nil, errors.New("store unavailable")
	}
	if err := f.svc.MarkProcessed(ctx, id); err != nil {
		return nil, err
	}
	return []notification.Notification{{EventID: id}}, nil
}

type fakeExpirer struct {
	expired int
	err     error
}

func (f *fakeExpirer) ExpireStale(context.Context) (int, error) { return f.expired, f.err }

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func recordAt(t *testing.T, svc *eventlog.Service, clock *time.Time, at time.Time) int64 {
	t.Helper()
	*clock = at
	ev, err := svc.RecordEvent(context.Background(), "TransactionUpdate", "x", json.RawMessage(`{}`))
	require.NoError(t, err)
	return ev.ID
}

func TestSweepReplaysOnlyEventsPastGracePeriod(t *testing.T) {
	clock := start
	svc := eventlog.NewService(eventlog.NewMemoryRepository(), nil, "recorded_events", logger.NopLogger(),
		eventlog.WithClock(func() time.Time { return clock }))

	old := recordAt(t, svc, &clock, start)
	fresh := recordAt(t, svc, &clock, start.Add(4*time.Minute))

	fan := &fakeFanOut{svc: svc}
	exp := &fakeExpirer{expired: 2}
	cfg := config.RecoveryConfig{GracePeriod: 2 * time.Minute, BatchSize: 10}
	sweeper := NewSweeper(svc, fan, exp, cfg, logger.NopLogger(),
		WithClock(func() time.Time { return start.Add(5 * time.Minute) }))

	res, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{old}, fan.calls)
	assert.NotContains(t, fan.calls, fresh)
	assert.Equal(t, Result{Replayed: 1, Notifications: 1, Expired: 2}, res)

	// The replayed event is processed now and is not picked up again.
	fan.calls = nil
	res, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fan.calls)
	assert.Equal(t, 0, res.Replayed)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	clock := start
	svc := eventlog.NewService(eventlog.NewMemoryRepository(), nil, "recorded_events", logger.NopLogger(),
		eventlog.WithClock(func() time.Time { return clock }))
	a := recordAt(t, svc, &clock, start)
	b := recordAt(t, svc, &clock, start)

	fan := &fakeFanOut{svc: svc, fail: map[int64]bool{a: true}}
	sweeper := NewSweeper(svc, fan, &fakeExpirer{}, config.RecoveryConfig{BatchSize: 10}, logger.NopLogger(),
		WithClock(func() time.Time { return start.Add(time.Minute) }))

	res, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b}, fan.calls)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 1, res.Errors)
}

func TestSweepReportsExpiryFailure(t *testing.T) {
	svc := eventlog.NewService(eventlog.NewMemoryRepository(), nil, "recorded_events", logger.NopLogger())
	sweeper := NewSweeper(svc, &fakeFanOut{svc: svc}, &fakeExpirer{err: errors.New("db down")},
		config.RecoveryConfig{BatchSize: 10}, logger.NopLogger())

	_, err := sweeper.Sweep(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestRunRejectsBadSchedule(t *testing.T) {
	svc := eventlog.NewService(eventlog.NewMemoryRepository(), nil, "recorded_events", logger.NopLogger())
	sweeper := NewSweeper(svc, &fakeFanOut{svc: svc}, &fakeExpirer{},
		config.RecoveryConfig{Schedule: "not a schedule"}, logger.NopLogger())

	assert.Error(t, sweeper.Run(context.Background()))
}

func TestRunStopsWithContext(t *testing.T) {
	svc := eventlog.NewService(eventlog.NewMemoryRepository(), nil, "recorded_events", logger.NopLogger())
	sweeper := NewSweeper(svc, &fakeFanOut{svc: svc}, &fakeExpirer{},
		config.RecoveryConfig{Schedule: "@every 1h"}, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
