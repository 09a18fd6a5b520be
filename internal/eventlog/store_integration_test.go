//go:build integration

package eventlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/testinfra"
	apperrors "herald/pkg/errors"
)

func TestPostgresRepositoryAgainstDatabase(t *testing.T) {
	exerciseRepository(t, NewPostgresRepository(testinfra.Postgres(t)))
}

func TestMongoRepositoryAgainstDatabase(t *testing.T) {
	exerciseRepository(t, NewMongoRepository(testinfra.Mongo(t)))
}

func exerciseRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)

	first, err := repo.Create(ctx, CreateParams{
		Type:      "TransactionUpdate",
		Scope:     "acct-1",
		Payload:   json.RawMessage(`{"amount":10,"status":"settled"}`),
		CreatedAt: base,
	})
	require.NoError(t, err)
	second, err := repo.Create(ctx, CreateParams{
		Type:      "TransactionUpdate",
		Payload:   json.RawMessage(`{"amount":20}`),
		CreatedAt: base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	got, err := repo.FindByID(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acct-1", got.Scope)
	assert.False(t, got.Processed)
	payload, err := got.DecodedPayload()
	require.NoError(t, err)
	assert.Equal(t, "settled", payload["status"])

	missing, err := repo.FindByID(ctx, 424242)
	require.NoError(t, err)
	assert.Nil(t, missing)

	pending, err := repo.FindUnprocessed(ctx, base.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	processedAt := base.Add(2 * time.Minute)
	require.NoError(t, repo.MarkProcessed(ctx, first.ID, processedAt))
	require.NoError(t, repo.MarkProcessed(ctx, first.ID, processedAt.Add(time.Hour)))

	got, err = repo.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(processedAt), "first processed_at is kept")

	pending, err = repo.FindUnprocessed(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	assert.True(t, apperrors.IsNotFound(repo.MarkProcessed(ctx, 424242, processedAt)))
}
