package subscription

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "herald/pkg/errors"
)

func seed(t *testing.T, repo Repository, n int) []*Subscription {
	t.Helper()
	subs := make([]*Subscription, 0, n)
	for i := 0; i < n; i++ {
		sub, err := repo.Create(context.Background(), CreateParams{
			EventType:  "TransactionUpdate",
			WebhookURL: "https://consumer.example/hook",
			TTL:        60_000,
			Status:     StatusActive,
			TriesLeft:  3,
		})
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	return subs
}

func TestMemoryRepositoryCRUD(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	created := seed(t, repo, 2)
	assert.EqualValues(t, 1, created[0].ID)
	assert.EqualValues(t, 2, created[1].ID)
	assert.EqualValues(t, 0, created[0].NextNonce)

	got, err := repo.FindByID(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, created[0].WebhookURL, got.WebhookURL)

	missing, err := repo.FindByID(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, missing)

	updated, err := repo.Update(ctx, created[0].ID, UpdateParams{Status: StatusPtr(StatusDone)})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, updated.Status)
	assert.Equal(t, 3, updated.TriesLeft, "untouched fields are kept")

	_, err = repo.Update(ctx, 42, UpdateParams{Status: StatusPtr(StatusDone)})
	assert.True(t, apperrors.IsNotFound(err))

	active, err := repo.FindAll(ctx, Filter{Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, created[1].ID, active[0].ID)

	all, err := repo.FindAll(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	sub := seed(t, repo, 1)[0]

	sub.Status = StatusRejected
	got, _ := repo.FindByID(context.Background(), sub.ID)
	assert.Equal(t, StatusActive, got.Status)
}

func TestMemoryRepositoryIncrementNonces(t *testing.T) {
	repo := NewMemoryRepository()
	subs := seed(t, repo, 2)
	ctx := context.Background()

	reserved, err := repo.IncrementNonces(ctx, []int64{subs[0].ID, subs[1].ID, subs[0].ID, 99})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{subs[0].ID: 0, subs[1].ID: 0}, reserved)

	reserved, err = repo.IncrementNonces(ctx, []int64{subs[0].ID})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{subs[0].ID: 1}, reserved)

	got, _ := repo.FindByID(ctx, subs[0].ID)
	assert.EqualValues(t, 2, got.NextNonce)
}

func TestMemoryRepositoryConcurrentNoncesAreGapFree(t *testing.T) {
	repo := NewMemoryRepository()
	subs := seed(t, repo, 3)
	ids := []int64{subs[0].ID, subs[1].ID, subs[2].ID}

	const workers = 50
	var mu sync.Mutex
	seen := make(map[int64][]int64)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reserved, err := repo.IncrementNonces(context.Background(), ids)
			assert.NoError(t, err)
			mu.Lock()
			for id, nonce := range reserved {
				seen[id] = append(seen[id], nonce)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, id := range ids {
		nonces := seen[id]
		sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
		require.Len(t, nonces, workers)
		for i, n := range nonces {
			assert.EqualValues(t, i, n, "subscription %d", id)
		}
	}
}
