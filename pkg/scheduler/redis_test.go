package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedisScheduler(t *testing.T, clock *fakeClock) (*RedisScheduler, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := NewRedisScheduler(client, "test:scheduler", 10*time.Millisecond, logger.NopLogger(), WithClock(clock.Now))
	return s, mr, client
}

func TestRedisSchedulerRunsDueJobsOnce(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, _, client := newRedisScheduler(t, clock)
	ctx := context.Background()

	var mu sync.Mutex
	var ran []int64
	s.Register("deliver", func(_ context.Context, id int64) error {
		mu.Lock()
		ran = append(ran, id)
		mu.Unlock()
		return nil
	})

	require.NoError(t, s.Schedule(ctx, 0, Job{Kind: "deliver", ID: 1}))
	require.NoError(t, s.Schedule(ctx, time.Minute, Job{Kind: "deliver", ID: 2}))

	started, err := s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	s.Wait()

	started, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	clock.Advance(time.Minute)
	started, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	s.Wait()

	mu.Lock()
	assert.ElementsMatch(t, []int64{1, 2}, ran)
	mu.Unlock()

	size, err := client.ZCard(ctx, "test:scheduler").Result()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRedisSchedulerRescheduleMovesJob(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, _, client := newRedisScheduler(t, clock)
	ctx := context.Background()

	job := Job{Kind: "handshake", ID: 9}
	require.NoError(t, s.Schedule(ctx, 0, job))
	require.NoError(t, s.Schedule(ctx, time.Hour, job))

	members, err := client.ZRangeWithScores(ctx, "test:scheduler", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "handshake:9", members[0].Member)
	assert.Equal(t, float64(clock.Now().Add(time.Hour).UnixMilli()), members[0].Score)
}

func TestRedisSchedulerScheduleIfAbsentKeepsDueTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, _, client := newRedisScheduler(t, clock)
	ctx := context.Background()

	job := Job{Kind: "deliver", ID: 3}
	require.NoError(t, s.Schedule(ctx, 10*time.Minute, job))

	added, err := s.ScheduleIfAbsent(ctx, 0, job)
	require.NoError(t, err)
	assert.False(t, added)

	score, err := client.ZScore(ctx, "test:scheduler", "deliver:3").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(clock.Now().Add(10*time.Minute).UnixMilli()), score)

	started, err := s.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, started, "a queued retry is not pulled forward")

	added, err = s.ScheduleIfAbsent(ctx, 0, Job{Kind: "deliver", ID: 4})
	require.NoError(t, err)
	assert.True(t, added)
}

func TestRedisSchedulerCompetingPollers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	a, mr, _ := newRedisScheduler(t, clock)
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientB.Close()
	b := NewRedisScheduler(clientB, "test:scheduler", 10*time.Millisecond, logger.NopLogger(), WithClock(clock.Now))

	var mu sync.Mutex
	counts := map[int64]int{}
	handler := func(_ context.Context, id int64) error {
		mu.Lock()
		counts[id]++
		mu.Unlock()
		return nil
	}
	a.Register("deliver", handler)
	b.Register("deliver", handler)

	ctx := context.Background()
	for i := int64(1); i <= 20; i++ {
		require.NoError(t, a.Schedule(ctx, 0, Job{Kind: "deliver", ID: i}))
	}

	var wg sync.WaitGroup
	for _, s := range []*RedisScheduler{a, b} {
		wg.Add(1)
		go func(s *RedisScheduler) {
			defer wg.Done()
			_, err := s.Poll(ctx)
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()
	a.Wait()
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, counts, 20)
	for id, n := range counts {
		assert.Equal(t, 1, n, "job %d", id)
	}
}

func TestRedisSchedulerRunLoop(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, _, _ := newRedisScheduler(t, clock)

	fired := make(chan int64, 1)
	s.Register("deliver", func(_ context.Context, id int64) error {
		fired <- id
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, s.Schedule(ctx, 0, Job{Kind: "deliver", ID: 5}))
	select {
	case id := <-fired:
		assert.Equal(t, int64(5), id)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}

	cancel()
	assert.NoError(t, <-done)
	assert.NoError(t, s.Close())
}
