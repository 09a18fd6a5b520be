// Package recovery replays events whose fan-out never completed and closes
// expired subscriptions on a cron schedule.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"herald/internal/config"
	"herald/internal/eventlog"
	"herald/internal/logger"
	"herald/internal/notification"
	"herald/pkg/metrics"
)

type EventLister interface {
	ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]eventlog.Event, error)
}

type FanOuter interface {
	FanOut(ctx context.Context, eventID int64) ([]notification.Notification, error)
}

type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Result summarizes one sweep.
type Result struct {
	Replayed      int
	Notifications int
	Expired       int
	Errors        int
}

type Sweeper struct {
	events  EventLister
	fanOut  FanOuter
	expirer Expirer
	cfg     config.RecoveryConfig
	logger  logger.Logger
	now     func() time.Time
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(events EventLister, fanOut FanOuter, expirer Expirer, cfg config.RecoveryConfig, log logger.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		events:  events,
		fanOut:  fanOut,
		expirer: expirer,
		cfg:     cfg,
		logger:  log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep replays unprocessed events older than the grace period, then expires
// stale subscriptions. A failing event does not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (res Result, err error) {
	defer func() {
		status := "success"
		if err != nil || res.Errors > 0 {
			status = "error"
		}
		metrics.RecoverySweepsTotal.WithLabelValues(status).Inc()
	}()

	cutoff := s.now().Add(-s.cfg.GracePeriod)
	pending, err := s.events.ListUnprocessed(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list unprocessed events: %w", err)
	}

	for _, ev := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		created, err := s.fanOut.FanOut(ctx, ev.ID)
		if err != nil {
			res.Errors++
			s.logger.ErrorwCtx(ctx, "Replay failed", "event_id", ev.ID, "error", err)
			continue
		}
		res.Replayed++
		res.Notifications += len(created)
	}

	res.Expired, err = s.expirer.ExpireStale(ctx)
	if err != nil {
		return res, fmt.Errorf("expire subscriptions: %w", err)
	}

	if res.Replayed > 0 || res.Expired > 0 || res.Errors > 0 {
		s.logger.InfowCtx(ctx, "Recovery sweep finished",
			"replayed", res.Replayed,
			"notifications", res.Notifications,
			"expired", res.Expired,
			"errors", res.Errors,
		)
	}
	return res, nil
}

// Run sweeps on the configured cron schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.ErrorwCtx(ctx, "Recovery sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", s.cfg.Schedule, err)
	}

	c.Start()
	s.logger.Infow("Recovery sweeper started", "schedule", s.cfg.Schedule, "grace_period", s.cfg.GracePeriod.String())

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
