package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "herald/pkg/errors"
	"herald/pkg/metrics"
)

const selectColumns = `id, type, scope, payload, processed, processed_at, created_at`

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var ev Event
	var payload []byte
	var processedAt sql.NullTime
	if err := row.Scan(&ev.ID, &ev.Type, &ev.Scope, &payload, &ev.Processed, &processedAt, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Payload = payload
	if processedAt.Valid {
		at := processedAt.Time
		ev.ProcessedAt = &at
	}
	return &ev, nil
}

func observe(op string, start time.Time, err *error) {
	metrics.ObserveDatabaseQuery("postgres", op, time.Since(start), *err)
}

func (r *PostgresRepository) Create(ctx context.Context, params CreateParams) (ev *Event, err error) {
	defer observe("event_create", time.Now(), &err)

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO events (type, scope, payload, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + selectColumns

	ev, err = scanEvent(r.db.QueryRowContext(ctx, query, params.Type, params.Scope, []byte(params.Payload), createdAt))
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	return ev, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id int64) (ev *Event, err error) {
	defer observe("event_find_by_id", time.Now(), &err)

	ev, err = scanEvent(r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

func (r *PostgresRepository) MarkProcessed(ctx context.Context, id int64, at time.Time) (err error) {
	defer observe("event_mark_processed", time.Now(), &err)

	query := `
		UPDATE events
		SET processed = TRUE, processed_at = COALESCE(processed_at, $2)
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if n == 0 {
		return apperrors.ErrNotFound.WithDetail("event_id", id)
	}
	return nil
}

func (r *PostgresRepository) FindUnprocessed(ctx context.Context, olderThan time.Time, limit int) (events []Event, err error) {
	defer observe("event_find_unprocessed", time.Now(), &err)

	query := `SELECT ` + selectColumns + ` FROM events
		WHERE processed = FALSE AND created_at <= $1
		ORDER BY id
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	events = []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	return events, nil
}
