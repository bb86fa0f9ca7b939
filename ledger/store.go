package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists order ledger aggregates in Postgres.
//
// Status writes enforce the transition table inside the UPDATE statement:
// the WHERE clause only matches rows whose current status is a legal source
// of the target status, so an illegal transition can never be written, not
// even by two racing writers.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts the aggregate and its items in the caller's transaction.
// The aggregate starts in AWAITING_AUTHORIZATION.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, l *Ledger, items []Item) error {
	l.Status = StatusAwaitingAuthorization

	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_ledger (id, client_request_id, user_id, email, status, total_amount_cents, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.ClientRequestID, l.UserID, l.Email, l.Status, l.TotalAmountCents, l.Currency,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order ledger: %w", err)
	}

	for i := range items {
		items[i].OrderLedgerID = l.ID
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_ledger_items (id, order_ledger_id, product_id, quantity, unit_price_cents)
			VALUES ($1, $2, $3, $4, $5)`,
			items[i].ID, items[i].OrderLedgerID, items[i].ProductID, items[i].Quantity, items[i].UnitPriceCents,
		)
		if err != nil {
			return fmt.Errorf("failed to insert order ledger item: %w", err)
		}
	}

	return nil
}

// FindByIDWithItems loads the aggregate and its items.
func (s *Store) FindByIDWithItems(ctx context.Context, id uuid.UUID) (*WithItems, error) {
	l, err := s.scanLedger(s.db.QueryRowContext(ctx, `
		SELECT id, client_request_id, user_id, email, status, total_amount_cents, currency,
		       payment_authorization_id, order_id, created_at, updated_at
		FROM order_ledger
		WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_ledger_id, product_id, quantity, unit_price_cents, created_at
		FROM order_ledger_items
		WHERE order_ledger_id = $1
		ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order ledger items: %w", err)
	}
	defer rows.Close()

	result := &WithItems{Ledger: *l}
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.OrderLedgerID, &item.ProductID, &item.Quantity, &item.UnitPriceCents, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order ledger item: %w", err)
		}
		result.Items = append(result.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order ledger items: %w", err)
	}

	return result, nil
}

// FindByClientRequestID looks an aggregate up by the caller-supplied
// idempotency key.
func (s *Store) FindByClientRequestID(ctx context.Context, clientRequestID string) (*Ledger, error) {
	return s.scanLedger(s.db.QueryRowContext(ctx, `
		SELECT id, client_request_id, user_id, email, status, total_amount_cents, currency,
		       payment_authorization_id, order_id, created_at, updated_at
		FROM order_ledger
		WHERE client_request_id = $1`, clientRequestID))
}

// UpdateStatus advances the aggregate to next. The statement matches only
// legal source statuses, so zero affected rows means the transition was
// illegal (or the aggregate does not exist).
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, next Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_ledger
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`,
		id, next, pq.Array(statusStrings(SourcesOf(next))),
	)
	if err != nil {
		return fmt.Errorf("failed to update ledger status: %w", err)
	}

	return s.checkTransitionApplied(ctx, res, id, next)
}

// UpdateStatusWithOrderID advances the aggregate to next and persists the
// remote order id in the same statement.
func (s *Store) UpdateStatusWithOrderID(ctx context.Context, id uuid.UUID, next Status, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_ledger
		SET status = $2, order_id = $3, updated_at = now()
		WHERE id = $1 AND status = ANY($4)`,
		id, next, orderID, pq.Array(statusStrings(SourcesOf(next))),
	)
	if err != nil {
		return fmt.Errorf("failed to update ledger status with order id: %w", err)
	}

	return s.checkTransitionApplied(ctx, res, id, next)
}

// MarkAuthorized performs the AWAITING_AUTHORIZATION -> AUTHORIZED
// transition in the caller's transaction, persisting the payment
// authorization id. Atomic with the outbox insert.
func (s *Store) MarkAuthorized(ctx context.Context, tx *sql.Tx, id uuid.UUID, authorizationID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE order_ledger
		SET status = $2, payment_authorization_id = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, StatusAuthorized, authorizationID, StatusAwaitingAuthorization,
	)
	if err != nil {
		return fmt.Errorf("failed to mark ledger authorized: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check mark authorized result: %w", err)
	}
	if rowsAffected == 0 {
		return s.transitionError(ctx, id, StatusAuthorized)
	}

	return nil
}

// MarkAuthorizationFailed parks the aggregate in its terminal edge-failure
// state.
func (s *Store) MarkAuthorizationFailed(ctx context.Context, id uuid.UUID) error {
	return s.UpdateStatus(ctx, id, StatusAuthorizationFailed)
}

func (s *Store) checkTransitionApplied(ctx context.Context, res sql.Result, id uuid.UUID, next Status) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition result: %w", err)
	}
	if rowsAffected == 0 {
		return s.transitionError(ctx, id, next)
	}
	return nil
}

// transitionError distinguishes a missing aggregate from an illegal
// transition after a status UPDATE matched no rows.
func (s *Store) transitionError(ctx context.Context, id uuid.UUID, next Status) error {
	var current Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM order_ledger WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read ledger status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, next)
}

func (s *Store) scanLedger(row *sql.Row) (*Ledger, error) {
	var (
		l       Ledger
		authID  sql.NullString
		orderID sql.NullString
	)

	err := row.Scan(&l.ID, &l.ClientRequestID, &l.UserID, &l.Email, &l.Status,
		&l.TotalAmountCents, &l.Currency, &authID, &orderID, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order ledger: %w", err)
	}

	l.PaymentAuthorizationID = authID.String
	l.OrderID = orderID.String

	return &l, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
