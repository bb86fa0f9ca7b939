package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists outbox events in Postgres.
//
// Claiming and the matching outcome writes (MarkProcessed, MarkFailed,
// ScheduleRetry) run on the caller's transaction: the row locks taken by
// ClaimDue are the lease, and a rollback returns the events to the pool
// untouched.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts the event as PENDING and notifies the order_events
// channel in the caller's transaction. The notification becomes visible
// together with the row on commit.
func (s *Store) Enqueue(ctx context.Context, tx *sql.Tx, e *Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, e.Payload, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, e.EventType); err != nil {
		return fmt.Errorf("failed to notify %s: %w", Channel, err)
	}

	return nil
}

// ClaimDue leases up to limit due events: PENDING rows whose next_retry_at
// has passed (or was never set), oldest first. FOR UPDATE SKIP LOCKED keeps
// concurrent workers from blocking on each other's leases.
func (s *Store) ClaimDue(ctx context.Context, tx *sql.Tx, limit int) ([]Event, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status,
		       retry_count, next_retry_at, created_at, processed_at
		FROM outbox
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e           Event
			nextRetryAt sql.NullTime
			processedAt sql.NullTime
		)
		err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload,
			&e.Status, &e.RetryCount, &nextRetryAt, &e.CreatedAt, &processedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if nextRetryAt.Valid {
			e.NextRetryAt = &nextRetryAt.Time
		}
		if processedAt.Valid {
			e.ProcessedAt = &processedAt.Time
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox events: %w", err)
	}

	return events, nil
}

// MarkProcessed finalizes a successfully processed event.
func (s *Store) MarkProcessed(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	return s.finalize(ctx, tx, id, StatusProcessed)
}

// MarkFailed parks an event in its terminal failure state.
func (s *Store) MarkFailed(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	return s.finalize(ctx, tx, id, StatusFailed)
}

func (s *Store) finalize(ctx context.Context, tx *sql.Tx, id uuid.UUID, status Status) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE outbox
		SET status = $2, processed_at = now()
		WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %s: %w", status, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check outbox update result: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("outbox event %s not found", id)
	}

	return nil
}

// ScheduleRetry records a failed attempt: the event stays PENDING with the
// new retry count and becomes due again at nextRetryAt.
func (s *Store) ScheduleRetry(ctx context.Context, tx *sql.Tx, id uuid.UUID, retryCount int, nextRetryAt time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE outbox
		SET retry_count = $2, next_retry_at = $3
		WHERE id = $1 AND status = $4`,
		id, retryCount, nextRetryAt, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule outbox retry: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check outbox retry result: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("outbox event %s not pending", id)
	}

	return nil
}

// CountPending reports how many events are waiting, due or not.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE status = $1`, StatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return count, nil
}
