package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/clock"
)

// PostgresQueue persists intents in Postgres. Dequeue uses FOR UPDATE SKIP
// LOCKED so several workers can drain the queue without double-claiming.
type PostgresQueue struct {
	db          *sql.DB
	maxAttempts int
}

// NewPostgresQueue creates the queue over an existing pool and ensures its
// table exists.
func NewPostgresQueue(db *sql.DB, maxAttempts int) (*PostgresQueue, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryConfig().MaxAttempts
	}
	q := &PostgresQueue{db: db, maxAttempts: maxAttempts}
	if err := q.createTable(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) createTable() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox_intents (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			booking_id BIGINT NOT NULL,
			idempotency_key TEXT NOT NULL,
			amount_cents BIGINT NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			template TEXT NOT NULL DEFAULT '',
			run_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (kind, idempotency_key)
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_due
			ON outbox_intents (next_attempt_at) WHERE status = 'pending';
	`)
	if err != nil {
		return fmt.Errorf("outbox: create table: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, intents []booking.Intent) error {
	now := time.Now().UTC()
	for _, intent := range intents {
		next := now
		if !intent.RunAt.IsZero() && intent.RunAt.After(now) {
			next = intent.RunAt.UTC()
		}
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO outbox_intents (
				id, kind, booking_id, idempotency_key, amount_cents, reason, template,
				run_at, status, attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,'',$11,$12,$12)
			ON CONFLICT (kind, idempotency_key) DO NOTHING`,
			clock.NewIntentID(), intent.Kind, intent.BookingID, intent.IdempotencyKey,
			intent.AmountCents, intent.Reason, intent.Template,
			nullableTime(intent.RunAt), StatusPending, q.maxAttempts, next, now,
		)
		if err != nil {
			return fmt.Errorf("outbox: enqueue: %w", err)
		}
	}
	return nil
}

const entryColumns = `id, kind, booking_id, idempotency_key, amount_cents, reason, template,
	run_at, status, attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at`

func (q *PostgresQueue) Dequeue(ctx context.Context, now time.Time, limit int) ([]PendingIntent, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE outbox_intents SET status = $1, attempts = attempts + 1, updated_at = $2
		WHERE id IN (
			SELECT id FROM outbox_intents
			WHERE status = $3 AND next_attempt_at <= $2
			ORDER BY next_attempt_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns,
		StatusProcessing, now.UTC(), StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: dequeue: %w", err)
	}
	defer rows.Close()

	var out []PendingIntent
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (PendingIntent, error) {
	var e PendingIntent
	var runAt sql.NullTime
	err := rows.Scan(
		&e.ID, &e.Intent.Kind, &e.Intent.BookingID, &e.Intent.IdempotencyKey,
		&e.Intent.AmountCents, &e.Intent.Reason, &e.Intent.Template,
		&runAt, &e.Status, &e.Attempts, &e.MaxAttempts, &e.LastError,
		&e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return PendingIntent{}, fmt.Errorf("outbox: scan entry: %w", err)
	}
	if runAt.Valid {
		e.Intent.RunAt = runAt.Time.UTC()
	}
	return e, nil
}

func (q *PostgresQueue) MarkSucceeded(ctx context.Context, id string) error {
	return q.exec(ctx, `
		UPDATE outbox_intents SET status = $2, updated_at = now() WHERE id = $1`,
		id, StatusSucceeded)
}

func (q *PostgresQueue) MarkFailed(ctx context.Context, id string, lastError string, nextAttemptAt time.Time) error {
	return q.exec(ctx, `
		UPDATE outbox_intents SET
			status = CASE WHEN attempts >= max_attempts THEN $4 ELSE $3 END,
			last_error = $2,
			next_attempt_at = $5,
			updated_at = now()
		WHERE id = $1`,
		id, lastError, StatusPending, StatusDead, nextAttemptAt.UTC())
}

func (q *PostgresQueue) MarkDead(ctx context.Context, id string, lastError string) error {
	return q.exec(ctx, `
		UPDATE outbox_intents SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`,
		id, StatusDead, lastError)
}

func (q *PostgresQueue) DeadLetters(ctx context.Context, limit int) ([]PendingIntent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM outbox_intents
		WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, StatusDead, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: dead letters: %w", err)
	}
	defer rows.Close()
	var out []PendingIntent
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Requeue(ctx context.Context, id string) error {
	return q.exec(ctx, `
		UPDATE outbox_intents SET status = $2, attempts = 0, last_error = '',
			next_attempt_at = now(), updated_at = now()
		WHERE id = $1 AND status = $3`,
		id, StatusPending, StatusDead)
}

func (q *PostgresQueue) DeleteDeadLetter(ctx context.Context, id string) error {
	return q.exec(ctx, `DELETE FROM outbox_intents WHERE id = $1 AND status = $2`, id, StatusDead)
}

func (q *PostgresQueue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM outbox_intents WHERE status IN ($1, $2)`,
		StatusPending, StatusProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: pending count: %w", err)
	}
	return n, nil
}

func (q *PostgresQueue) exec(ctx context.Context, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
