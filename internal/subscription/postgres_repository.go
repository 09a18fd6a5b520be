package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	apperrors "herald/pkg/errors"
	"herald/pkg/metrics"
)

const selectColumns = `id, event_type, event_scope, webhook_url, ttl_ms, filter, status,
	tries_left, next_nonce, legitimacy_secret, last_error, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	var s Subscription
	var status string
	if err := row.Scan(
		&s.ID, &s.EventType, &s.EventScope, &s.WebhookURL, &s.TTL, &s.Filter, &status,
		&s.TriesLeft, &s.NextNonce, &s.LegitimacySecret, &s.LastError, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Status = Status(status)
	return &s, nil
}

func observe(op string, start time.Time, err *error) {
	metrics.ObserveDatabaseQuery("postgres", op, time.Since(start), *err)
}

func (r *PostgresRepository) Create(ctx context.Context, params CreateParams) (sub *Subscription, err error) {
	defer observe("subscription_create", time.Now(), &err)

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO subscriptions (event_type, event_scope, webhook_url, ttl_ms, filter, status,
			tries_left, next_nonce, legitimacy_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)
		RETURNING ` + selectColumns

	row := r.db.QueryRowContext(ctx, query,
		params.EventType, params.EventScope, params.WebhookURL, params.TTL, params.Filter,
		string(params.Status), params.TriesLeft, params.LegitimacySecret, createdAt,
	)
	sub, err = scanSubscription(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apperrors.ErrConflict.WithCause(err)
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

func (r *PostgresRepository) FindAll(ctx context.Context, filter Filter) (subs []Subscription, err error) {
	defer observe("subscription_find_all", time.Now(), &err)

	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		conds = append(conds, fmt.Sprintf("event_type = $%d", len(args)))
	}

	query := `SELECT ` + selectColumns + ` FROM subscriptions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs = []Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id int64) (sub *Subscription, err error) {
	defer observe("subscription_find_by_id", time.Now(), &err)

	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err = scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (r *PostgresRepository) Update(ctx context.Context, id int64, params UpdateParams) (sub *Subscription, err error) {
	defer observe("subscription_update", time.Now(), &err)

	var status, lastError, expected sql.NullString
	var triesLeft sql.NullInt64
	if params.ExpectedStatus != nil {
		expected = sql.NullString{String: string(*params.ExpectedStatus), Valid: true}
	}
	if params.Status != nil {
		status = sql.NullString{String: string(*params.Status), Valid: true}
	}
	if params.TriesLeft != nil {
		triesLeft = sql.NullInt64{Int64: int64(*params.TriesLeft), Valid: true}
	}
	if params.LastError != nil {
		lastError = sql.NullString{String: *params.LastError, Valid: true}
	}

	query := `
		UPDATE subscriptions
		SET status = COALESCE($2, status),
			tries_left = COALESCE($3, tries_left),
			last_error = COALESCE($4, last_error),
			updated_at = NOW()
		WHERE id = $1 AND ($5::text IS NULL OR status = $5)
		RETURNING ` + selectColumns

	row := r.db.QueryRowContext(ctx, query, id, status, triesLeft, lastError, expected)
	sub, err = scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the row is gone or its status moved on.
		current, findErr := r.FindByID(ctx, id)
		if findErr != nil {
			return nil, findErr
		}
		if current == nil {
			return nil, apperrors.ErrNotFound.WithDetail("subscription_id", id)
		}
		return current, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	return sub, nil
}

// IncrementNonces locks the rows in id order before updating them so that
// concurrent batches touching overlapping ids cannot deadlock.
func (r *PostgresRepository) IncrementNonces(ctx context.Context, ids []int64) (reserved map[int64]int64, err error) {
	defer observe("subscription_increment_nonces", time.Now(), &err)

	reserved = make(map[int64]int64, len(ids))
	if len(ids) == 0 {
		return reserved, nil
	}

	query := `
		WITH locked AS (
			SELECT id FROM subscriptions WHERE id = ANY($1) ORDER BY id FOR UPDATE
		)
		UPDATE subscriptions s
		SET next_nonce = s.next_nonce + 1, updated_at = NOW()
		FROM locked
		WHERE s.id = locked.id
		RETURNING s.id, s.next_nonce - 1`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to increment nonces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, nonce int64
		if err := rows.Scan(&id, &nonce); err != nil {
			return nil, fmt.Errorf("failed to scan nonce: %w", err)
		}
		reserved[id] = nonce
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to increment nonces: %w", err)
	}
	return reserved, nil
}
