package scheduler

import (
	"context"
	"sync"
	"time"

	"herald/internal/logger"
	"herald/pkg/metrics"
)

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// TimerScheduler keeps pending jobs in process memory. Pending jobs are lost
// on restart; callers re-enqueue outstanding work at start-up.
type TimerScheduler struct {
	*dispatcher

	mu     sync.Mutex
	timers map[Job]timerEntry
	gen    uint64
	closed bool
	wg     sync.WaitGroup

	jobCtx    context.Context
	cancelJob context.CancelFunc
}

func NewTimerScheduler(log logger.Logger) *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		dispatcher: newDispatcher("timer", log),
		timers:     make(map[Job]timerEntry),
		jobCtx:     ctx,
		cancelJob:  cancel,
	}
}

func (s *TimerScheduler) Schedule(_ context.Context, delay time.Duration, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if existing, ok := s.timers[job]; ok {
		existing.timer.Stop()
	}
	s.startLocked(delay, job)
	return nil
}

func (s *TimerScheduler) ScheduleIfAbsent(_ context.Context, delay time.Duration, job Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.timers[job]; ok {
		return false, nil
	}
	s.startLocked(delay, job)
	return true, nil
}

// startLocked arms a timer for job. The callback identifies itself by
// generation, which it reads back under s.mu, so a zero delay timer firing
// before AfterFunc returns still sees its own entry.
func (s *TimerScheduler) startLocked(delay time.Duration, job Job) {
	s.gen++
	gen := s.gen
	s.timers[job] = timerEntry{timer: time.AfterFunc(delay, func() { s.fire(job, gen) }), gen: gen}

	metrics.IncSchedulerJob(s.name, job.Kind, "scheduled")
	metrics.SchedulerPending.WithLabelValues(s.name).Set(float64(len(s.timers)))
}

func (s *TimerScheduler) fire(job Job, gen uint64) {
	s.mu.Lock()
	entry, ok := s.timers[job]
	if !ok || entry.gen != gen {
		// Replaced or dropped after the timer had already fired.
		s.mu.Unlock()
		return
	}
	delete(s.timers, job)
	metrics.SchedulerPending.WithLabelValues(s.name).Set(float64(len(s.timers)))
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.run(s.jobCtx, job)
}

// Pending returns the number of jobs waiting to fire.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *TimerScheduler) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close drops pending timers and waits for running jobs to finish.
func (s *TimerScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for job, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, job)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.cancelJob()
	return nil
}
