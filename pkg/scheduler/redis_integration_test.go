//go:build integration

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/logger"
	"herald/internal/testinfra"
)

func TestRedisSchedulersShareQueue(t *testing.T) {
	client := testinfra.Redis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	runs := map[int64]int{}
	handler := func(_ context.Context, id int64) error {
		mu.Lock()
		runs[id]++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		s := NewRedisScheduler(client, "it:scheduler", 20*time.Millisecond, logger.NopLogger(), WithBatchSize(5))
		s.Register("deliver", handler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
		if i == 0 {
			for id := int64(1); id <= 20; id++ {
				require.NoError(t, s.Schedule(ctx, 0, Job{Kind: "deliver", ID: id}))
			}
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(runs) == 20
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for id, n := range runs {
		assert.Equal(t, 1, n, "job %d", id)
	}
}
