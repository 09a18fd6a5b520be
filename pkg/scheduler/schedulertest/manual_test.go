package schedulertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/pkg/scheduler"
)

func TestManualRunsInOrderAndFollowsUps(t *testing.T) {
	m := New()
	ctx := context.Background()

	var ran []int64
	m.Register("deliver", func(ctx context.Context, id int64) error {
		ran = append(ran, id)
		if id == 1 {
			return m.Schedule(ctx, time.Second, scheduler.Job{Kind: "deliver", ID: 3})
		}
		return nil
	})

	require.NoError(t, m.Schedule(ctx, 0, scheduler.Job{Kind: "deliver", ID: 1}))
	require.NoError(t, m.Schedule(ctx, 0, scheduler.Job{Kind: "deliver", ID: 2}))

	n, err := m.RunAll(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 2, 3}, ran)
	assert.Len(t, m.History(), 3)
	assert.Empty(t, m.Pending())
}

func TestManualRescheduleReplaces(t *testing.T) {
	m := New()
	job := scheduler.Job{Kind: "handshake", ID: 1}
	require.NoError(t, m.Schedule(context.Background(), 0, job))
	require.NoError(t, m.Schedule(context.Background(), time.Minute, job))

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, time.Minute, pending[0].Delay)
}
