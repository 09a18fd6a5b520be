// Package schedulertest provides a scheduler that only runs jobs when told to.
package schedulertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"herald/pkg/scheduler"
)

type Scheduled struct {
	scheduler.Job
	Delay time.Duration
}

type Manual struct {
	mu       sync.Mutex
	handlers map[string]scheduler.HandlerFunc
	pending  []Scheduled
	history  []Scheduled
}

var _ scheduler.Scheduler = (*Manual)(nil)

func New() *Manual {
	return &Manual{handlers: make(map[string]scheduler.HandlerFunc)}
}

func (m *Manual) Register(kind string, h scheduler.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

func (m *Manual) Schedule(_ context.Context, delay time.Duration, job scheduler.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Scheduled{Job: job, Delay: delay}
	for i, p := range m.pending {
		if p.Job == job {
			m.pending[i] = s
			m.history = append(m.history, s)
			return nil
		}
	}
	m.pending = append(m.pending, s)
	m.history = append(m.history, s)
	return nil
}

// ScheduleIfAbsent records the call in History only when the job is added.
func (m *Manual) ScheduleIfAbsent(_ context.Context, delay time.Duration, job scheduler.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pending {
		if p.Job == job {
			return false, nil
		}
	}
	s := Scheduled{Job: job, Delay: delay}
	m.pending = append(m.pending, s)
	m.history = append(m.history, s)
	return true, nil
}

func (m *Manual) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *Manual) Close() error { return nil }

// Pending returns jobs that have been scheduled but not run.
func (m *Manual) Pending() []Scheduled {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Scheduled(nil), m.pending...)
}

// History returns every Schedule call in order.
func (m *Manual) History() []Scheduled {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Scheduled(nil), m.history...)
}

// RunNext pops the oldest pending job and runs it synchronously.
func (m *Manual) RunNext(ctx context.Context) (Scheduled, bool, error) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return Scheduled{}, false, nil
	}
	next := m.pending[0]
	m.pending = m.pending[1:]
	h, ok := m.handlers[next.Kind]
	m.mu.Unlock()

	if !ok {
		return next, true, fmt.Errorf("no handler for %s", next.Kind)
	}
	return next, true, h(ctx, next.ID)
}

// RunAll runs pending jobs, including ones scheduled by the jobs themselves,
// until none are left. It gives up after limit jobs.
func (m *Manual) RunAll(ctx context.Context, limit int) (int, error) {
	ran := 0
	for ran < limit {
		_, ok, err := m.RunNext(ctx)
		if !ok {
			return ran, nil
		}
		ran++
		if err != nil {
			return ran, err
		}
	}
	return ran, fmt.Errorf("still %d pending jobs after %d runs", len(m.Pending()), limit)
}
