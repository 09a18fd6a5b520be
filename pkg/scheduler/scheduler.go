// Package scheduler fires one-shot jobs after a delay without blocking the
// caller. Jobs are identified by kind and numeric id; scheduling the same job
// again before it fires moves it instead of duplicating it, while
// ScheduleIfAbsent leaves an already queued job where it is.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"herald/internal/logger"
	apperrors "herald/pkg/errors"
	"herald/pkg/metrics"
)

var ErrClosed = errors.New("scheduler closed")

type Job struct {
	Kind string
	ID   int64
}

func (j Job) String() string {
	return j.Kind + ":" + strconv.FormatInt(j.ID, 10)
}

func ParseJob(s string) (Job, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return Job{}, fmt.Errorf("malformed job %q", s)
	}
	id, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return Job{}, fmt.Errorf("malformed job id in %q: %w", s, err)
	}
	return Job{Kind: s[:i], ID: id}, nil
}

type HandlerFunc func(ctx context.Context, id int64) error

type Scheduler interface {
	Register(kind string, h HandlerFunc)
	// Schedule arranges for job to run once, no earlier than delay from now.
	Schedule(ctx context.Context, delay time.Duration, job Job) error
	// ScheduleIfAbsent queues job like Schedule unless it is already queued,
	// in which case its due time is kept. added reports whether it was queued.
	ScheduleIfAbsent(ctx context.Context, delay time.Duration, job Job) (added bool, err error)
	// Run blocks until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

// dispatcher holds registered handlers and runs jobs with panic recovery.
type dispatcher struct {
	name     string
	logger   logger.Logger
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func newDispatcher(name string, log logger.Logger) *dispatcher {
	return &dispatcher{name: name, logger: log, handlers: make(map[string]HandlerFunc)}
}

func (d *dispatcher) Register(kind string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *dispatcher) run(ctx context.Context, job Job) {
	d.mu.RLock()
	h, ok := d.handlers[job.Kind]
	d.mu.RUnlock()

	if !ok {
		d.logger.Errorw("No handler registered for job", "job", job.String())
		metrics.IncSchedulerJob(d.name, job.Kind, "unhandled")
		return
	}

	metrics.IncSchedulerJob(d.name, job.Kind, "fired")
	err := apperrors.Guard(func() error { return h(ctx, job.ID) })
	if err != nil {
		metrics.IncSchedulerJob(d.name, job.Kind, "failed")
		d.logger.ErrorwCtx(ctx, "Scheduled job failed", "job", job.String(), "error", err)
	}
}
