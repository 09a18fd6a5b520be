package notification

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

const selectColumns = `id, subscription_id, event_id, nonce, status, tries_left, attempts,
	last_status_code, last_error, created_at, updated_at`

const uniqueViolation = "23505"

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(row scanner) (*Notification, error) {
	var n Notification
	var status string
	if err := row.Scan(
		&n.ID, &n.SubscriptionID, &n.EventID, &n.Nonce, &status, &n.TriesLeft, &n.Attempts,
		&n.LastStatusCode, &n.LastError, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	n.Status = Status(status)
	return &n, nil
}

func observe(op string, start time.Time, err *error) {
	metrics.ObserveDatabaseQuery("postgres", op, time.Since(start), *err)
}

func (r *PostgresRepository) Create(ctx context.Context, params CreateParams) (n *Notification, err error) {
	defer observe("notification_create", time.Now(), &err)

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO notifications (subscription_id, event_id, nonce, status, tries_left, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING ` + selectColumns

	n, err = scanNotification(r.db.QueryRowContext(ctx, query,
		params.SubscriptionID, params.EventID, params.Nonce, string(params.Status), params.TriesLeft, createdAt,
	))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, apperrors.ErrConflict.WithDetail("constraint", pqErr.Constraint).WithCause(err)
		}
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	return n, nil
}

// CreateForEvent locks the subscription rows in id order, inserts what is not
// there yet and bumps next_nonce only for inserted rows, all in one
// transaction. A concurrent fan-out of the same event waits on the row locks
// and then sees the committed notifications.
func (r *PostgresRepository) CreateForEvent(ctx context.Context, eventID int64, drafts []Draft, createdAt time.Time) (out []Notification, err error) {
	defer observe("notification_create_for_event", time.Now(), &err)

	if len(drafts) == 0 {
		return nil, nil
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin fan-out transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ids := make([]int64, 0, len(drafts))
	for _, d := range drafts {
		ids = append(ids, d.SubscriptionID)
	}
	next, err := lockNonces(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	insert := `
		INSERT INTO notifications (subscription_id, event_id, nonce, status, tries_left, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (event_id, subscription_id) DO NOTHING
		RETURNING ` + selectColumns

	var inserted []int64
	for _, d := range drafts {
		nonce, ok := next[d.SubscriptionID]
		if !ok {
			continue
		}
		n, scanErr := scanNotification(tx.QueryRowContext(ctx, insert,
			d.SubscriptionID, eventID, nonce, string(d.Status), d.TriesLeft, createdAt,
		))
		if errors.Is(scanErr, sql.ErrNoRows) {
			// Already notified.
			delete(next, d.SubscriptionID)
			continue
		}
		if scanErr != nil {
			err = fmt.Errorf("failed to create notification: %w", scanErr)
			return nil, err
		}
		delete(next, d.SubscriptionID)
		inserted = append(inserted, d.SubscriptionID)
		out = append(out, *n)
	}

	if len(inserted) > 0 {
		if _, err = tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET next_nonce = next_nonce + 1, updated_at = NOW()
			WHERE id = ANY($1)`, pq.Array(inserted)); err != nil {
			return nil, fmt.Errorf("failed to reserve nonces: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit fan-out: %w", err)
	}
	return out, nil
}

func lockNonces(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]int64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, next_nonce FROM subscriptions WHERE id = ANY($1) ORDER BY id FOR UPDATE`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscriptions: %w", err)
	}
	defer rows.Close()

	next := make(map[int64]int64, len(ids))
	for rows.Next() {
		var id, nonce int64
		if err := rows.Scan(&id, &nonce); err != nil {
			return nil, fmt.Errorf("failed to scan nonce: %w", err)
		}
		next[id] = nonce
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to lock subscriptions: %w", err)
	}
	return next, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id int64) (n *Notification, err error) {
	defer observe("notification_find_by_id", time.Now(), &err)

	n, err = scanNotification(r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) FindAll(ctx context.Context, filter Filter) (out []Notification, err error) {
	defer observe("notification_find_all", time.Now(), &err)

	var conds []string
	var args []any
	if filter.SubscriptionID != 0 {
		args = append(args, filter.SubscriptionID)
		conds = append(conds, fmt.Sprintf("subscription_id = $%d", len(args)))
	}
	if filter.EventID != 0 {
		args = append(args, filter.EventID)
		conds = append(conds, fmt.Sprintf("event_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + selectColumns + ` FROM notifications`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	out = []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Update(ctx context.Context, id int64, params UpdateParams) (n *Notification, err error) {
	defer observe("notification_update", time.Now(), &err)

	var status, lastError sql.NullString
	var triesLeft, attempts, lastStatusCode sql.NullInt64
	if params.Status != nil {
		status = sql.NullString{String: string(*params.Status), Valid: true}
	}
	if params.TriesLeft != nil {
		triesLeft = sql.NullInt64{Int64: int64(*params.TriesLeft), Valid: true}
	}
	if params.Attempts != nil {
		attempts = sql.NullInt64{Int64: int64(*params.Attempts), Valid: true}
	}
	if params.LastStatusCode != nil {
		lastStatusCode = sql.NullInt64{Int64: int64(*params.LastStatusCode), Valid: true}
	}
	if params.LastError != nil {
		lastError = sql.NullString{String: *params.LastError, Valid: true}
	}

	query := `
		UPDATE notifications
		SET status = COALESCE($2, status),
			tries_left = COALESCE($3, tries_left),
			attempts = COALESCE($4, attempts),
			last_status_code = COALESCE($5, last_status_code),
			last_error = COALESCE($6, last_error),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + selectColumns

	n, err = scanNotification(r.db.QueryRowContext(ctx, query, id, status, triesLeft, attempts, lastStatusCode, lastError))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound.WithDetail("notification_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update notification: %w", err)
	}
	return n, nil
}
