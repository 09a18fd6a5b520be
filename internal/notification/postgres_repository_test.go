package notification

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "herald/pkg/errors"
)

var notificationColumns = []string{
	"id", "subscription_id", "event_id", "nonce", "status", "tries_left", "attempts",
	"last_status_code", "last_error", "created_at", "updated_at",
}

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func notificationRow(id int64, status Status, triesLeft int) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(notificationColumns).AddRow(
		id, int64(3), int64(10), int64(0), string(status), triesLeft, 0, 0, "", now, now,
	)
}

func TestPostgresCreate(t *testing.T) {
	repo, mock := newMockRepo(t)
	createdAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
		WithArgs(int64(3), int64(10), int64(0), "Active", 5, createdAt).
		WillReturnRows(notificationRow(1, StatusActive, 5))

	n, err := repo.Create(context.Background(), CreateParams{
		SubscriptionID: 3, EventID: 10, Nonce: 0, Status: StatusActive, TriesLeft: 5, CreatedAt: createdAt,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n.ID)
	assert.Equal(t, StatusActive, n.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "notifications_subscription_nonce_key"})

	_, err := repo.Create(context.Background(), CreateParams{SubscriptionID: 3, EventID: 10, Status: StatusActive})
	assert.True(t, apperrors.IsConflict(err), "got %v", err)
}

func TestPostgresFindByIDMissing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM notifications WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	n, err := repo.FindByID(context.Background(), 9)
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestPostgresFindAllBuildsFilter(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM notifications WHERE subscription_id = $1 AND status = $2 ORDER BY id LIMIT $3")).
		WithArgs(int64(3), "Active", 50).
		WillReturnRows(notificationRow(1, StatusActive, 5).AddRow(
			int64(2), int64(3), int64(11), int64(1), "Active", 5, 0, 0, "", time.Now(), time.Now(),
		))

	out, err := repo.FindAll(context.Background(), Filter{SubscriptionID: 3, Status: StatusActive, Limit: 50})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdate(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications")).
		WithArgs(int64(1), sql.NullString{String: "Acknowledged", Valid: true}, sql.NullInt64{},
			sql.NullInt64{Int64: 1, Valid: true}, sql.NullInt64{Int64: 200, Valid: true}, sql.NullString{}).
		WillReturnRows(notificationRow(1, StatusAcknowledged, 5))

	n, err := repo.Update(context.Background(), 1, UpdateParams{
		Status:         StatusPtr(StatusAcknowledged),
		Attempts:       IntPtr(1),
		LastStatusCode: IntPtr(200),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, n.Status)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications")).WillReturnError(sql.ErrNoRows)
	_, err = repo.Update(context.Background(), 2, UpdateParams{Status: StatusPtr(StatusFailed)})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestPostgresCreateForEvent(t *testing.T) {
	repo, mock := newMockRepo(t)
	createdAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, next_nonce FROM subscriptions WHERE id = ANY($1) ORDER BY id FOR UPDATE")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "next_nonce"}).AddRow(int64(3), int64(0)).AddRow(int64(4), int64(7)))
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (event_id, subscription_id) DO NOTHING")).
		WithArgs(int64(3), int64(10), int64(0), "Active", 5, createdAt).
		WillReturnRows(notificationRow(1, StatusActive, 5))
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (event_id, subscription_id) DO NOTHING")).
		WithArgs(int64(4), int64(10), int64(7), "Active", 5, createdAt).
		WillReturnRows(sqlmock.NewRows(notificationColumns))
	mock.ExpectExec(regexp.QuoteMeta("SET next_nonce = next_nonce + 1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := repo.CreateForEvent(context.Background(), 10, []Draft{
		{SubscriptionID: 3, Status: StatusActive, TriesLeft: 5},
		{SubscriptionID: 4, Status: StatusActive, TriesLeft: 5},
	}, createdAt)
	require.NoError(t, err)
	require.Len(t, created, 1, "the already notified subscription is skipped")
	assert.EqualValues(t, 1, created[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateForEventNothingInserted(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "next_nonce"}).AddRow(int64(3), int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (event_id, subscription_id) DO NOTHING")).
		WillReturnRows(sqlmock.NewRows(notificationColumns))
	mock.ExpectCommit()

	created, err := repo.CreateForEvent(context.Background(), 10, []Draft{{SubscriptionID: 3, Status: StatusActive}}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, created)
	require.NoError(t, mock.ExpectationsWereMet(), "next_nonce is not bumped")
}

func TestPostgresCreateForEventRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "next_nonce"}).AddRow(int64(3), int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (event_id, subscription_id) DO NOTHING")).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := repo.CreateForEvent(context.Background(), 10, []Draft{{SubscriptionID: 3, Status: StatusActive}}, time.Time{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
