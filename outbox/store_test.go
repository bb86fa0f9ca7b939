package outbox

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timour/order-saga/migrations"
)

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

	_, err = db.Exec("TRUNCATE outbox")
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

// enqueueTestEvent commits one event in its own transaction so that
// created_at timestamps differ between events.
func enqueueTestEvent(t *testing.T, db *sql.DB, store *Store) *Event {
	t.Helper()

	e, err := NewOrderAuthorizedEvent(OrderAuthorizedPayload{
		AggregateID:            uuid.New(),
		UserID:                 "user-1",
		Email:                  "user@example.com",
		TotalAmountCents:       1000,
		Currency:               "EUR",
		PaymentAuthorizationID: "auth-1",
	})
	require.NoError(t, err)

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, tx, e))
	require.NoError(t, tx.Commit())

	time.Sleep(5 * time.Millisecond)
	return e
}

func TestClaimDueReturnsOldestFirst(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)
	ctx := context.Background()

	first := enqueueTestEvent(t, db, store)
	second := enqueueTestEvent(t, db, store)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	claimed, err := store.ClaimDue(ctx, tx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)
	assert.Equal(t, StatusPending, claimed[0].Status)
}

func TestClaimDueSkipsLockedRows(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)
	ctx := context.Background()

	enqueueTestEvent(t, db, store)

	tx1, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx1.Rollback()

	claimed, err := store.ClaimDue(ctx, tx1, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A second worker must not block on or double-claim the leased row.
	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx2.Rollback()

	claimed2, err := store.ClaimDue(ctx, tx2, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed2)
}

func TestClaimDueHonorsNextRetryAt(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)
	ctx := context.Background()

	e := enqueueTestEvent(t, db, store)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	claimed, err := store.ClaimDue(ctx, tx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.ScheduleRetry(ctx, tx, e.ID, 1, time.Now().Add(time.Hour)))
	require.NoError(t, tx.Commit())

	// Not due for another hour.
	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx2.Rollback()
	claimed, err = store.ClaimDue(ctx, tx2, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	require.NoError(t, tx2.Rollback())

	// Bring the retry into the past; the event becomes claimable again.
	_, err = db.Exec(`UPDATE outbox SET next_retry_at = now() - interval '1 second' WHERE id = $1`, e.ID)
	require.NoError(t, err)

	tx3, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx3.Rollback()
	claimed, err = store.ClaimDue(ctx, tx3, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].RetryCount)
	require.NotNil(t, claimed[0].NextRetryAt)
}

func TestMarkProcessedRemovesFromPool(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)
	ctx := context.Background()

	e := enqueueTestEvent(t, db, store)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = store.ClaimDue(ctx, tx, 10)
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, tx, e.ID))
	require.NoError(t, tx.Commit())

	var status Status
	var processedAt sql.NullTime
	require.NoError(t, db.QueryRow(`SELECT status, processed_at FROM outbox WHERE id = $1`, e.ID).
		Scan(&status, &processedAt))
	assert.Equal(t, StatusProcessed, status)
	assert.True(t, processedAt.Valid)

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMarkFailedIsTerminal(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)
	ctx := context.Background()

	e := enqueueTestEvent(t, db, store)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = store.ClaimDue(ctx, tx, 10)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, tx, e.ID))
	require.NoError(t, tx.Commit())

	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx2.Rollback()
	claimed, err := store.ClaimDue(ctx, tx2, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// Terminal events cannot be rescheduled.
	err = store.ScheduleRetry(ctx, tx2, e.ID, 1, time.Now())
	assert.Error(t, err)
}

func TestRollbackReleasesLease(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db)
	ctx := context.Background()

	e := enqueueTestEvent(t, db, store)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	claimed, err := store.ClaimDue(ctx, tx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, tx.Rollback())

	// The event is PENDING and claimable again after the rollback.
	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx2.Rollback()
	claimed, err = store.ClaimDue(ctx, tx2, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, e.ID, claimed[0].ID)
}
