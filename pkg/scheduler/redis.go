package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/logger"
	"herald/pkg/metrics"
)

// RedisScheduler is a delay queue on a Redis sorted set. The score is the due
// time in unix milliseconds and the member is Job.String(), so scheduling an
// already queued job moves it, unless ScheduleIfAbsent (ZADD NX) is used. Replicas polling the same key claim due jobs
// with ZREM; only the replica whose ZREM removed the member runs the job.
type RedisScheduler struct {
	*dispatcher

	client       redis.Cmdable
	key          string
	pollInterval time.Duration
	batchSize    int64
	now          func() time.Time

	wg        sync.WaitGroup
	jobCtx    context.Context
	cancelJob context.CancelFunc
}

type RedisOption func(*RedisScheduler)

func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisScheduler) { s.now = now }
}

func WithBatchSize(n int64) RedisOption {
	return func(s *RedisScheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func NewRedisScheduler(client redis.Cmdable, key string, pollInterval time.Duration, log logger.Logger, opts ...RedisOption) *RedisScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisScheduler{
		dispatcher:   newDispatcher("redis", log),
		client:       client,
		key:          key,
		pollInterval: pollInterval,
		batchSize:    100,
		now:          time.Now,
		jobCtx:       ctx,
		cancelJob:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisScheduler) Schedule(ctx context.Context, delay time.Duration, job Job) error {
	due := s.now().Add(delay).UnixMilli()
	if err := s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(due), Member: job.String()}).Err(); err != nil {
		return err
	}
	metrics.IncSchedulerJob(s.name, job.Kind, "scheduled")
	return nil
}

func (s *RedisScheduler) ScheduleIfAbsent(ctx context.Context, delay time.Duration, job Job) (bool, error) {
	due := s.now().Add(delay).UnixMilli()
	added, err := s.client.ZAddNX(ctx, s.key, redis.Z{Score: float64(due), Member: job.String()}).Result()
	if err != nil {
		return false, err
	}
	if added == 0 {
		return false, nil
	}
	metrics.IncSchedulerJob(s.name, job.Kind, "scheduled")
	return true, nil
}

func (s *RedisScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warnw("Scheduler poll failed", "key", s.key, "error", err)
			}
		}
	}
}

// Poll claims and starts every job that is due. It returns the number of
// jobs started by this call.
func (s *RedisScheduler) Poll(ctx context.Context) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(s.now().UnixMilli(), 10),
		Count: s.batchSize,
	}).Result()
	if err != nil {
		return 0, err
	}

	started := 0
	for _, member := range members {
		removed, err := s.client.ZRem(ctx, s.key, member).Result()
		if err != nil {
			return started, err
		}
		if removed == 0 {
			continue
		}

		job, err := ParseJob(member)
		if err != nil {
			s.logger.Errorw("Dropping malformed scheduler entry", "member", member, "error", err)
			continue
		}

		started++
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(s.jobCtx, job)
		}()
	}

	if size, err := s.client.ZCard(ctx, s.key).Result(); err == nil {
		metrics.SchedulerPending.WithLabelValues(s.name).Set(float64(size))
	}
	return started, nil
}

// Wait blocks until all jobs started so far have returned.
func (s *RedisScheduler) Wait() {
	s.wg.Wait()
}

// Close waits for running jobs. Queued jobs stay in Redis for the next run.
func (s *RedisScheduler) Close() error {
	s.wg.Wait()
	s.cancelJob()
	return nil
}
