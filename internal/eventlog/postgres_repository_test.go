package eventlog

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "herald/pkg/errors"
)

var eventColumns = []string{"id", "type", "scope", "payload", "processed", "processed_at", "created_at"}

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func TestPostgresCreateEvent(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs("TransactionUpdate", "0xabc", []byte(`{"a":1}`), testNow).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(int64(3), "TransactionUpdate", "0xabc", []byte(`{"a": 1}`), false, nil, testNow))

	ev, err := repo.Create(context.Background(), CreateParams{
		Type:      "TransactionUpdate",
		Scope:     "0xabc",
		Payload:   []byte(`{"a":1}`),
		CreatedAt: testNow,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, ev.ID)
	assert.Nil(t, ev.ProcessedAt)
	assert.JSONEq(t, `{"a":1}`, string(ev.Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindEventMissing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM events WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	ev, err := repo.FindByID(context.Background(), 9)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestPostgresMarkProcessed(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE events")).
		WithArgs(int64(1), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE events")).
		WithArgs(int64(2), testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkProcessed(context.Background(), 1, testNow))
	assert.True(t, apperrors.IsNotFound(repo.MarkProcessed(context.Background(), 2, testNow)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindUnprocessed(t *testing.T) {
	repo, mock := newMockRepo(t)
	processedAt := testNow.Add(time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE processed = FALSE AND created_at <= $1")).
		WithArgs(testNow, 50).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(int64(1), "TransactionUpdate", "", []byte(`{}`), false, nil, testNow).
			AddRow(int64(2), "TransactionUpdate", "", []byte(`{}`), false, processedAt, testNow))

	events, err := repo.FindUnprocessed(context.Background(), testNow, 50)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, events[1].ProcessedAt)
	assert.Equal(t, processedAt, *events[1].ProcessedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
