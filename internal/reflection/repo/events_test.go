package repo

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// one connection so every statement sees the same in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEventStore(t *testing.T) *SQLiteEventStore {
	t.Helper()
	store := NewSQLiteEventStore(newTestDB(t))
	require.NoError(t, store.InitSchema(context.Background()))
	return store
}

func TestEventUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestEventStore(t)

	first, created, err := store.Upsert(ctx, "u1", "tx1", "dream_result", []byte(`{"title":"one"}`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first)

	// same key, different data: must return the original id untouched
	second, created, err := store.Upsert(ctx, "u1", "tx1", "dream_result", []byte(`{"title":"two"}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	ev, err := store.FindByTransaction(ctx, "u1", "tx1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.JSONEq(t, `{"title":"one"}`, string(ev.Data), "conflict write must not replace the stored row")
}

func TestEventUpsertScopesByUser(t *testing.T) {
	ctx := context.Background()
	store := newTestEventStore(t)

	a, created, err := store.Upsert(ctx, "u1", "tx1", "diary_result", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, created)

	// same transaction id under a different user is a distinct event
	b, created, err := store.Upsert(ctx, "u2", "tx1", "diary_result", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a, b)
}

func TestFindByTransactionMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestEventStore(t)

	ev, err := store.FindByTransaction(ctx, "u1", "nope")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestMarkReportRead(t *testing.T) {
	ctx := context.Background()
	store := newTestEventStore(t)

	id, _, err := store.Upsert(ctx, "u1", "tx-report", "report_result", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, store.MarkReportRead(ctx, "u1", id))

	ev, err := store.FindByTransaction(ctx, "u1", "tx-report")
	require.NoError(t, err)
	require.NotNil(t, ev.ReadAt)

	firstRead := *ev.ReadAt

	// marking again is a no-op, the original timestamp stays
	require.NoError(t, store.MarkReportRead(ctx, "u1", id))
	ev, err = store.FindByTransaction(ctx, "u1", "tx-report")
	require.NoError(t, err)
	assert.Equal(t, firstRead, *ev.ReadAt)
}

func TestMarkReportReadIgnoresNonReports(t *testing.T) {
	ctx := context.Background()
	store := newTestEventStore(t)

	id, _, err := store.Upsert(ctx, "u1", "tx-dream", "dream_result", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, store.MarkReportRead(ctx, "u1", id))

	ev, err := store.FindByTransaction(ctx, "u1", "tx-dream")
	require.NoError(t, err)
	assert.Nil(t, ev.ReadAt)
}
