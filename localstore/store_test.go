package localstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New(":memory:", testLogger())
	store.Open(context.Background())
	require.True(t, store.Available())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func pinRecord(id string, fields map[string]any) Record {
	rec := Record{
		"id":  id,
		"lat": 41.88,
		"lng": -87.63,
	}
	for k, v := range fields {
		rec[k] = v
	}
	return rec
}

func TestOpenCreatesCatalogTables(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, table := range CatalogTables() {
		cols := store.TableInfo(ctx, table)
		require.NotEmpty(t, cols, "table %s should exist", table)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "pins", pinRecord("p1", nil)))
	store.Open(ctx)
	require.True(t, store.Available())
	require.Equal(t, 1, store.CountRows(ctx, "pins"))
}

func TestUnavailableStoreDegradesGracefully(t *testing.T) {
	// Parent directory does not exist, so the engine cannot open the file.
	store := New(filepath.Join(t.TempDir(), "missing", "cache.db"), testLogger())
	ctx := context.Background()
	store.Open(ctx)

	require.False(t, store.Available())
	require.Nil(t, store.GetAll(ctx, "pins"))
	require.Nil(t, store.GetByFilter(ctx, "pins", "continent", "na"))
	require.Nil(t, store.TableInfo(ctx, "pins"))
	require.Nil(t, store.GetSyncMetadata(ctx))
	require.Nil(t, store.GetKeyValues(ctx, "nav_settings"))
	require.Nil(t, store.IDs(ctx, "pins"))
	require.Zero(t, store.CountRows(ctx, "pins"))

	require.NoError(t, store.Upsert(ctx, "pins", pinRecord("p1", nil)))
	applied, err := store.BulkUpsert(ctx, "pins", []Record{pinRecord("p1", nil)})
	require.NoError(t, err)
	require.Zero(t, applied)
	require.NoError(t, store.SaveKeyValue(ctx, "nav_settings", "k", "v"))
	require.NoError(t, store.UpdateSyncMetadata(ctx, "pins", ""))
	require.NoError(t, store.ClearAll(ctx))
	require.ErrorIs(t, store.Exec(ctx, "SELECT 1"), ErrUnavailable)
	require.NoError(t, store.Close())
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := uuid.New().String()
	require.NoError(t, store.Upsert(ctx, "pins", pinRecord(id, map[string]any{"name": "first"})))
	require.NoError(t, store.Upsert(ctx, "pins", pinRecord(id, map[string]any{"name": "second"})))

	rows := store.GetAll(ctx, "pins")
	require.Len(t, rows, 1)
	require.Equal(t, "second", rows[0]["name"])
}

func TestBulkUpsertAppliesAllRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := make([]Record, 250)
	for i := range recs {
		recs[i] = pinRecord(uuid.New().String(), nil)
	}

	applied, err := store.BulkUpsert(ctx, "pins", recs)
	require.NoError(t, err)
	require.Equal(t, 250, applied)
	require.Equal(t, 250, store.CountRows(ctx, "pins"))
}

func TestBulkUpsertRollsBackOnMidBatchFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := []Record{
		pinRecord("a", nil),
		pinRecord("b", nil),
		{"lat": 1.0, "lng": 2.0}, // nil primary key violates NOT NULL
		pinRecord("d", nil),
	}

	applied, err := store.BulkUpsert(ctx, "pins", recs)
	require.Error(t, err)
	require.Zero(t, applied)
	// All-or-nothing: the rows staged before the failure are gone too.
	require.Zero(t, store.CountRows(ctx, "pins"))
}

func TestBulkUpsertStoresNestedValuesAsJSON(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := Record{
		"id":                "q1",
		"question":          "Which lake borders Chicago?",
		"correct_answer":    "Lake Michigan",
		"incorrect_answers": []string{"Lake Erie", "Lake Huron"},
	}
	applied, err := store.BulkUpsert(ctx, "trivia_questions", []Record{rec})
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	rows := store.GetAll(ctx, "trivia_questions")
	require.Len(t, rows, 1)
	require.JSONEq(t, `["Lake Erie","Lake Huron"]`, rows[0]["incorrect_answers"].(string))
}

func TestSaveKeyValueReplacesByKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveKeyValue(ctx, "nav_settings", "idle_timeout", 30))
	require.NoError(t, store.SaveKeyValue(ctx, "nav_settings", "idle_timeout", 60))
	require.NoError(t, store.SaveKeyValue(ctx, "nav_settings", "theme", map[string]any{"dark": true}))

	settings := store.GetKeyValues(ctx, "nav_settings")
	require.Len(t, settings, 2)
	require.JSONEq(t, `60`, string(settings["idle_timeout"]))
	require.JSONEq(t, `{"dark":true}`, string(settings["theme"]))
	require.Equal(t, 2, store.CountRows(ctx, "nav_settings"))
}

func TestUpdateSyncMetadataIncrementsAndClearsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpdateSyncMetadata(ctx, "pins", "network down"))
	require.NoError(t, store.UpdateSyncMetadata(ctx, "pins", ""))

	meta := store.GetSyncMetadata(ctx)
	require.Len(t, meta, 1)
	require.Equal(t, "pins", meta[0].TableName)
	require.Equal(t, int64(2), meta[0].SyncCount)
	require.Empty(t, meta[0].LastError)
	require.NotEmpty(t, meta[0].LastSync)
}

func TestTableInfoReportsColumns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cols := store.TableInfo(ctx, "pins")
	require.NotEmpty(t, cols)

	byName := make(map[string]ColumnInfo)
	for _, col := range cols {
		byName[col.Name] = col
	}
	require.True(t, byName["id"].IsPrimaryKey)
	require.Equal(t, "REAL", byName["lat"].DeclaredType)
	require.True(t, byName["lat"].NotNull)
	require.False(t, byName["note"].NotNull)
}

func TestTableInfoMissingTableReturnsNil(t *testing.T) {
	store := newTestStore(t)
	require.Nil(t, store.TableInfo(context.Background(), "no_such_table"))
}

func TestGetByFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "pins", pinRecord("p1", map[string]any{"continent": "na"})))
	require.NoError(t, store.Upsert(ctx, "pins", pinRecord("p2", map[string]any{"continent": "eu"})))

	rows := store.GetByFilter(ctx, "pins", "continent", "na")
	require.Len(t, rows, 1)
	require.Equal(t, "p1", rows[0]["id"])

	// Unknown column is rejected, not interpolated.
	require.Nil(t, store.GetByFilter(ctx, "pins", "nope", "x"))
}

func TestRandomRecordsRespectsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		rec := Record{"id": uuid.New().String(), "question": "q", "correct_answer": "a", "incorrect_answers": "[]"}
		require.NoError(t, store.Upsert(ctx, "trivia_questions", rec))
	}
	require.Len(t, store.RandomRecords(ctx, "trivia_questions", 5), 5)
}

func TestClearAllEmptiesEveryTable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "pins", pinRecord("p1", nil)))
	require.NoError(t, store.SaveKeyValue(ctx, "admin_settings", "pin_code", "1234"))
	require.NoError(t, store.UpdateSyncMetadata(ctx, "pins", ""))

	require.NoError(t, store.ClearAll(ctx))

	require.Zero(t, store.CountRows(ctx, "pins"))
	require.Zero(t, store.CountRows(ctx, "admin_settings"))
	require.Zero(t, store.CountRows(ctx, SyncMetadataTable))
	// Tables survive; only rows are removed.
	require.NotEmpty(t, store.TableInfo(ctx, "pins"))
}
