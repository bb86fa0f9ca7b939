package ledger

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timour/order-saga/migrations"
)

// setupDB connects to the database named by DATABASE_URL and resets the
// saga tables. Tests are skipped when no database is available.
func setupDB(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	require.NoError(t, migrations.Apply(context.Background(), db))

	_, err = db.Exec("TRUNCATE order_ledger_items, order_ledger, outbox")
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

func createTestLedger(t *testing.T, db *sql.DB, store *Store) *Ledger {
	t.Helper()

	l := &Ledger{
		ID:               uuid.New(),
		ClientRequestID:  uuid.NewString(),
		UserID:           "user-1",
		Email:            "user@example.com",
		TotalAmountCents: 2500,
		Currency:         "EUR",
	}
	items := []Item{
		{ID: uuid.New(), ProductID: "product-1", Quantity: 2, UnitPriceCents: 1000},
		{ID: uuid.New(), ProductID: "product-2", Quantity: 1, UnitPriceCents: 500},
	}

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, tx, l, items))
	require.NoError(t, tx.Commit())

	return l
}

func TestCreateAndFindByIDWithItems(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)
	ctx := context.Background()

	l := createTestLedger(t, db, store)

	got, err := store.FindByIDWithItems(ctx, l.ID)
	require.NoError(t, err)

	assert.Equal(t, l.ID, got.ID)
	assert.Equal(t, StatusAwaitingAuthorization, got.Status)
	assert.Equal(t, int64(2500), got.TotalAmountCents)
	assert.Equal(t, "EUR", got.Currency)
	assert.Empty(t, got.PaymentAuthorizationID)
	assert.Empty(t, got.OrderID)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "product-1", got.Items[0].ProductID)
	assert.Equal(t, 2, got.Items[0].Quantity)
}

func TestFindByIDNotFound(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)

	_, err := store.FindByIDWithItems(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByClientRequestID(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)
	ctx := context.Background()

	l := createTestLedger(t, db, store)

	got, err := store.FindByClientRequestID(ctx, l.ClientRequestID)
	require.NoError(t, err)
	assert.Equal(t, l.ID, got.ID)

	_, err = store.FindByClientRequestID(ctx, "unknown-request")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkAuthorizedSetsAuthorizationID(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)
	ctx := context.Background()

	l := createTestLedger(t, db, store)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkAuthorized(ctx, tx, l.ID, "auth-123"))
	require.NoError(t, tx.Commit())

	got, err := store.FindByIDWithItems(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, got.Status)
	assert.Equal(t, "auth-123", got.PaymentAuthorizationID)

	// A second attempt finds the aggregate past AWAITING_AUTHORIZATION.
	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx2.Rollback()
	assert.ErrorIs(t, store.MarkAuthorized(ctx, tx2, l.ID, "auth-456"), ErrIllegalTransition)
}

func TestUpdateStatusEnforcesTransitions(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)
	ctx := context.Background()

	l := createTestLedger(t, db, store)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkAuthorized(ctx, tx, l.ID, "auth-123"))
	require.NoError(t, tx.Commit())

	// Skipping ORDER_CREATED is illegal.
	err = store.UpdateStatus(ctx, l.ID, StatusInventoryReserved)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, store.UpdateStatusWithOrderID(ctx, l.ID, StatusOrderCreated, "order-42"))
	require.NoError(t, store.UpdateStatus(ctx, l.ID, StatusInventoryReserved))
	require.NoError(t, store.UpdateStatus(ctx, l.ID, StatusPaymentCaptured))
	require.NoError(t, store.UpdateStatus(ctx, l.ID, StatusCompleted))

	got, err := store.FindByIDWithItems(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "order-42", got.OrderID)

	// Terminal states accept no further writes.
	err = store.UpdateStatus(ctx, l.ID, StatusCompensating)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestUpdateStatusUnknownAggregate(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)

	err := store.UpdateStatus(context.Background(), uuid.New(), StatusCompensating)
	assert.ErrorIs(t, err, ErrNotFound)
}
