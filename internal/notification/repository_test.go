package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "herald/pkg/errors"
)

func TestMemoryRepositoryCreateAndFind(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()

	n, err := repo.Create(ctx, CreateParams{SubscriptionID: 1, EventID: 10, Nonce: 0, Status: StatusActive, TriesLeft: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n.ID)
	assert.False(t, n.CreatedAt.IsZero())

	got, err := repo.FindByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	missing, err := repo.FindByID(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Returned values are copies.
	got.Status = StatusFailed
	again, _ := repo.FindByID(ctx, n.ID)
	assert.Equal(t, StatusActive, again.Status)
}

func TestMemoryRepositoryUniqueness(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()

	_, err := repo.Create(ctx, CreateParams{SubscriptionID: 1, EventID: 10, Nonce: 0, Status: StatusActive})
	require.NoError(t, err)

	_, err = repo.Create(ctx, CreateParams{SubscriptionID: 1, EventID: 10, Nonce: 1, Status: StatusActive})
	assert.True(t, apperrors.IsConflict(err), "same event and subscription")

	_, err = repo.Create(ctx, CreateParams{SubscriptionID: 1, EventID: 11, Nonce: 0, Status: StatusActive})
	assert.True(t, apperrors.IsConflict(err), "same subscription and nonce")

	_, err = repo.Create(ctx, CreateParams{SubscriptionID: 2, EventID: 10, Nonce: 0, Status: StatusActive})
	assert.NoError(t, err)
}

func TestMemoryRepositoryFindAllAndUpdate(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()

	for i := int64(0); i < 4; i++ {
		_, err := repo.Create(ctx, CreateParams{SubscriptionID: 1 + i%2, EventID: 10 + i, Nonce: i, Status: StatusActive, TriesLeft: 3})
		require.NoError(t, err)
	}

	updated, err := repo.Update(ctx, 2, UpdateParams{Status: StatusPtr(StatusFailed), TriesLeft: IntPtr(0), LastError: StringPtr("boom")})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updated.Status)
	assert.Equal(t, 0, updated.TriesLeft)
	assert.Equal(t, "boom", updated.LastError)
	assert.Equal(t, 0, updated.Attempts, "unset fields are untouched")

	bySub, err := repo.FindAll(ctx, Filter{SubscriptionID: 1})
	require.NoError(t, err)
	require.Len(t, bySub, 2)
	assert.EqualValues(t, 1, bySub[0].ID)
	assert.EqualValues(t, 3, bySub[1].ID)

	active, err := repo.FindAll(ctx, Filter{Status: StatusActive, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	byEvent, err := repo.FindAll(ctx, Filter{EventID: 13})
	require.NoError(t, err)
	require.Len(t, byEvent, 1)
	assert.EqualValues(t, 4, byEvent[0].ID)

	_, err = repo.Update(ctx, 42, UpdateParams{Status: StatusPtr(StatusFailed)})
	assert.True(t, apperrors.IsNotFound(err))
}

type countingNonces struct {
	mu    sync.Mutex
	next  map[int64]int64
	calls int
}

func (c *countingNonces) IncrementNonces(_ context.Context, ids []int64) (map[int64]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	out := make(map[int64]int64, len(ids))
	for _, id := range ids {
		out[id] = c.next[id]
		c.next[id]++
	}
	return out, nil
}

func TestMemoryRepositoryCreateForEvent(t *testing.T) {
	nonces := &countingNonces{next: map[int64]int64{}}
	repo := NewMemoryRepository(nonces)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	drafts := []Draft{
		{SubscriptionID: 1, Status: StatusActive, TriesLeft: 3},
		{SubscriptionID: 2, Status: StatusOrphaned, TriesLeft: 3},
		{SubscriptionID: 1, Status: StatusActive, TriesLeft: 3},
	}
	created, err := repo.CreateForEvent(ctx, 10, drafts, at)
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, StatusActive, created[0].Status)
	assert.Equal(t, StatusOrphaned, created[1].Status)
	assert.Equal(t, at, created[0].CreatedAt)

	again, err := repo.CreateForEvent(ctx, 10, drafts, at)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, 1, nonces.calls, "nothing to insert reserves nothing")

	next, err := repo.CreateForEvent(ctx, 11, drafts[:1], at)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.EqualValues(t, 1, next[0].Nonce)
}

func TestMemoryRepositoryCreateForEventConcurrent(t *testing.T) {
	nonces := &countingNonces{next: map[int64]int64{}}
	repo := NewMemoryRepository(nonces)
	drafts := []Draft{{SubscriptionID: 1, Status: StatusActive, TriesLeft: 3}}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := repo.CreateForEvent(context.Background(), 10, drafts, time.Time{})
			assert.NoError(t, err)
			mu.Lock()
			total += len(created)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	assert.EqualValues(t, 1, nonces.next[1], "one nonce reserved for one notification")
}

func TestMemoryRepositoryCreateForEventWithoutNonceSource(t *testing.T) {
	repo := NewMemoryRepository(nil)
	_, err := repo.CreateForEvent(context.Background(), 10, []Draft{{SubscriptionID: 1, Status: StatusActive}}, time.Time{})
	assert.ErrorIs(t, err, apperrors.ErrInternal)
}
