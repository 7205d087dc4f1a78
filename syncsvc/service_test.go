package syncsvc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/geverist/chi-pins-sub000/localstore"
	"github.com/geverist/chi-pins-sub000/remote"
)

// fakeSource is an in-memory remote.Source for exercising sync passes
// without a live Postgres.
type fakeSource struct {
	mu       sync.Mutex
	records  map[string][]remote.Record
	fetchErr map[string]error
	gate     chan struct{} // when set, FetchRecent blocks until closed
	inserted []remote.Record
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records:  make(map[string][]remote.Record),
		fetchErr: make(map[string]error),
	}
}

func (f *fakeSource) FetchRecent(_ context.Context, table string, limit int) ([]remote.Record, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[table]; err != nil {
		return nil, err
	}
	recs := f.records[table]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (f *fakeSource) FetchSince(ctx context.Context, table string, _ time.Time, limit int) ([]remote.Record, error) {
	return f.FetchRecent(ctx, table, limit)
}

func (f *fakeSource) Count(_ context.Context, table string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[table]; err != nil {
		return 0, err
	}
	return len(f.records[table]), nil
}

func (f *fakeSource) RecentIDs(_ context.Context, table string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, limit)
	for _, rec := range f.records[table] {
		if len(ids) == limit {
			break
		}
		ids = append(ids, rec["id"].(string))
	}
	return ids, nil
}

func (f *fakeSource) Insert(_ context.Context, _ string, records []remote.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, records...)
	return len(records), nil
}

func (f *fakeSource) Close() {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	store := localstore.New(":memory:", testLogger())
	store.Open(context.Background())
	require.True(t, store.Available())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig(tables ...string) *Config {
	cfg := DefaultConfig()
	cfg.Interval = time.Hour // tests drive passes explicitly
	cfg.Tables = tables
	return cfg
}

func pin(id string) remote.Record {
	return remote.Record{"id": id, "lat": 41.88, "lng": -87.63, "name": "pin-" + id}
}

func TestSyncAllAppliesRemoteRecords(t *testing.T) {
	store := newTestStore(t)
	source := newFakeSource()
	source.records["pins"] = []remote.Record{pin("p1"), pin("p2")}

	svc := New(store, source, testConfig("pins"), testLogger())
	result := svc.SyncAll(context.Background())

	require.NotNil(t, result)
	require.Empty(t, result.Errors)
	require.Equal(t, 2, result.Tables["pins"])
	require.Equal(t, 2, store.CountRows(context.Background(), "pins"))

	meta := store.GetSyncMetadata(context.Background())
	require.Len(t, meta, 1)
	require.Equal(t, int64(1), meta[0].SyncCount)
	require.Empty(t, meta[0].LastError)
}

func TestSyncAllIsolatesTableFailures(t *testing.T) {
	store := newTestStore(t)
	source := newFakeSource()
	source.fetchErr["pins"] = errors.New("connection refused")
	source.records["trivia_questions"] = []remote.Record{
		{"id": "q1", "question": "q", "correct_answer": "a", "incorrect_answers": "[]"},
	}

	svc := New(store, source, testConfig("pins", "trivia_questions"), testLogger())
	result := svc.SyncAll(context.Background())

	require.NotNil(t, result)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "pins", result.Errors[0].Table)
	require.Equal(t, 1, result.Tables["trivia_questions"])
	require.Equal(t, 1, store.CountRows(context.Background(), "trivia_questions"))

	// The failed attempt is still recorded in sync metadata.
	for _, m := range store.GetSyncMetadata(context.Background()) {
		if m.TableName == "pins" {
			require.Equal(t, int64(1), m.SyncCount)
			require.Contains(t, m.LastError, "connection refused")
		}
	}
}

func TestSyncAllSkipsWhileAnotherPassRuns(t *testing.T) {
	store := newTestStore(t)
	source := newFakeSource()
	source.gate = make(chan struct{})
	source.records["pins"] = []remote.Record{pin("p1")}

	svc := New(store, source, testConfig("pins"), testLogger())

	done := make(chan *Result, 1)
	go func() { done <- svc.SyncAll(context.Background()) }()

	// Wait until the first pass is inside its fetch.
	require.Eventually(t, func() bool {
		stats := svc.Stats(context.Background())
		return stats != nil && stats.Syncing
	}, 2*time.Second, 10*time.Millisecond)

	require.Nil(t, svc.SyncAll(context.Background()))

	close(source.gate)
	result := <-done
	require.NotNil(t, result)

	// Exactly one pass touched the table.
	meta := store.GetSyncMetadata(context.Background())
	require.Len(t, meta, 1)
	require.Equal(t, int64(1), meta[0].SyncCount)
}

func TestSyncAllNotifiesListeners(t *testing.T) {
	store := newTestStore(t)
	source := newFakeSource()
	source.records["pins"] = []remote.Record{pin("p1")}

	svc := New(store, source, testConfig("pins"), testLogger())

	var got []Result
	svc.OnSync(func(r Result) { got = append(got, r) })
	svc.SyncAll(context.Background())

	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].Tables["pins"])
	require.False(t, got[0].Timestamp.IsZero())
}

func TestSyncAllUploadsLocalSessionsFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessions := []localstore.Record{
		{"id": "s1", "kiosk_id": "kiosk-1", "trigger_count": 3, "created_at": "2026-08-28T10:00:00Z"},
		{"id": "s2", "kiosk_id": "kiosk-1", "trigger_count": 7, "created_at": "2026-08-28T10:05:00Z"},
	}
	applied, err := store.BulkUpsert(ctx, UploadTable, sessions)
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	source := newFakeSource()
	svc := New(store, source, testConfig(), testLogger())
	result := svc.SyncAll(ctx)

	require.NotNil(t, result)
	require.Equal(t, 2, result.Uploaded)
	require.Len(t, source.inserted, 2)
	for _, rec := range source.inserted {
		require.NotContains(t, rec, localstore.SyncedAtColumn)
	}
}

func TestSyncAllWithUnavailableStore(t *testing.T) {
	store := localstore.New(filepath.Join(t.TempDir(), "missing", "cache.db"), testLogger())
	store.Open(context.Background())
	require.False(t, store.Available())

	svc := New(store, newFakeSource(), testConfig("pins"), testLogger())
	require.Nil(t, svc.SyncAll(context.Background()))
	require.Nil(t, svc.Stats(context.Background()))
}

func TestStartRunsImmediatePassAndStops(t *testing.T) {
	store := newTestStore(t)
	source := newFakeSource()
	source.records["pins"] = []remote.Record{pin("p1")}

	svc := New(store, source, testConfig("pins"), testLogger())

	synced := make(chan Result, 1)
	svc.OnSync(func(r Result) {
		select {
		case synced <- r:
		default:
		}
	})

	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop()

	select {
	case r := <-synced:
		require.Equal(t, 1, r.Tables["pins"])
	case <-time.After(2 * time.Second):
		t.Fatal("initial sync pass never completed")
	}

	svc.Stop()
	svc.Stop() // idempotent
}

func TestForceSyncRespectsTableLimit(t *testing.T) {
	store := newTestStore(t)
	source := newFakeSource()
	for i := 0; i < 10; i++ {
		source.records["pins"] = append(source.records["pins"], pin(string(rune('a'+i))))
	}

	cfg := testConfig("pins")
	cfg.TableLimits = map[string]int{"pins": 3}
	svc := New(store, source, cfg, testLogger())

	result := svc.ForceSync(context.Background())
	require.NotNil(t, result)
	require.Equal(t, 3, result.Tables["pins"])
	require.Equal(t, 3, store.CountRows(context.Background(), "pins"))
}
