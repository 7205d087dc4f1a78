// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncsvc pulls bounded result sets from the remote source on a
// fixed cadence and bulk-upserts them into the local store. Partial sync
// success is the normal case: each table's step is isolated, and the
// per-table outcome is recorded in sync metadata either way.
package syncsvc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geverist/chi-pins-sub000/localstore"
	"github.com/geverist/chi-pins-sub000/remote"
)

// UploadTable is the one local-first table: sessions are recorded on the
// kiosk and pushed to the remote source before the download phase runs.
const UploadTable = "proximity_learning_sessions"

// Config holds sync cadence and per-table fetch caps.
type Config struct {
	Interval        time.Duration  // sync cadence, 5m in the reference deployment
	Tables          []string       // fixed table list, synced in order
	TableLimits     map[string]int // per-table fetch cap
	DefaultLimit    int            // cap for tables not in TableLimits
	UploadBatchSize int            // batch size for the upload phase
}

// DefaultConfig returns the production cadence and the per-table caps used
// by the kiosk: 1000 for high-volume tables, smaller for reference tables.
func DefaultConfig() *Config {
	return &Config{
		Interval: 5 * time.Minute,
		Tables:   localstore.MirroredTables(),
		TableLimits: map[string]int{
			"pins":                        1000,
			"jukebox_songs":               1000,
			"trivia_questions":            500,
			"comments":                    500,
			"proximity_learning_sessions": 500,
			"popular_spots":               200,
			"then_and_now":                200,
			"autonomous_tasks":            200,
			"nav_settings":                100,
			"admin_settings":              100,
		},
		DefaultLimit:    500,
		UploadBatchSize: 50,
	}
}

// TableError is one failed table step inside a pass.
type TableError struct {
	Table string `json:"table"`
	Error string `json:"error"`
}

// Result aggregates one completed SyncAll pass.
type Result struct {
	Tables    map[string]int `json:"tables"`   // rows applied per table
	Uploaded  int            `json:"uploaded"` // local-first rows pushed to remote
	Errors    []TableError   `json:"errors"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// Stats is the status surface consumed by UI indicators.
type Stats struct {
	LastSync time.Time                 `json:"last_sync"`
	Syncing  bool                      `json:"syncing"`
	Tables   []localstore.SyncMetadata `json:"tables"`
}

// Service is the sync engine. Construct with New and start once; the
// store handle is injected rather than resolved from a global.
type Service struct {
	store  *localstore.Store
	source remote.Source
	config *Config
	logger *slog.Logger

	syncing  int32 // in-progress guard; a concurrent SyncAll is a no-op
	lastSync atomic.Int64

	mu        sync.Mutex
	started   bool
	stopCh    chan struct{}
	listeners []func(Result)
}

// New creates a sync service. A nil config gets DefaultConfig.
func New(store *localstore.Store, source remote.Source, config *Config, logger *slog.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, source: source, config: config, logger: logger}
}

// Start opens the store if needed, performs one immediate pass, then arms
// the repeating timer. When the store is unavailable it logs and returns
// without scheduling: the cache is an acceleration layer, never a
// requirement, so this is not an error.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.store.Open(ctx)
	if !s.store.Available() {
		s.logger.Info("local store unavailable, background sync disabled")
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return
	}

	s.SyncAll(ctx)

	go func() {
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SyncAll(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("background sync scheduled", "interval", s.config.Interval)
}

// Stop disarms future timer ticks. Idempotent; an in-flight pass is not
// cancelled and simply runs to completion.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	close(s.stopCh)
	s.started = false
	s.logger.Info("background sync stopped")
}

// UpdateInterval restarts the timer with a new cadence.
func (s *Service) UpdateInterval(ctx context.Context, interval time.Duration) {
	s.Stop()
	s.config.Interval = interval
	s.Start(ctx)
}

// OnSync registers a listener invoked after every completed pass, in
// registration order, with the aggregated result.
func (s *Service) OnSync(fn func(Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// ForceSync triggers a pass outside the timer cadence.
func (s *Service) ForceSync(ctx context.Context) *Result {
	return s.SyncAll(ctx)
}

// SyncAll runs one pass over the fixed table list. A call while a pass is
// already running returns nil immediately; the tick is dropped, not
// queued. One table's failure never blocks the others.
func (s *Service) SyncAll(ctx context.Context) *Result {
	if !atomic.CompareAndSwapInt32(&s.syncing, 0, 1) {
		s.logger.Debug("sync already in progress, skipping")
		return nil
	}
	defer atomic.StoreInt32(&s.syncing, 0)

	if !s.store.Available() {
		return nil
	}

	start := time.Now()
	result := Result{Tables: make(map[string]int)}

	// Phase 1: push local-first sessions before pulling anything, so a
	// kiosk that was offline delivers its observations first.
	uploaded, err := s.uploadLocalSessions(ctx)
	result.Uploaded = uploaded
	if err != nil {
		s.logger.Error("session upload failed", "error", err)
		result.Errors = append(result.Errors, TableError{Table: UploadTable + "_upload", Error: err.Error()})
	}

	// Phase 2: pull every mirrored table. Each step is isolated.
	for _, table := range s.config.Tables {
		count, err := s.syncTable(ctx, table)
		if err != nil {
			s.logger.Error("table sync failed", "table", table, "error", err)
			result.Errors = append(result.Errors, TableError{Table: table, Error: err.Error()})
			continue
		}
		result.Tables[table] = count
	}

	result.Duration = time.Since(start)
	result.Timestamp = time.Now()
	s.lastSync.Store(result.Timestamp.UnixNano())

	s.logger.Info("sync pass completed",
		"duration", result.Duration,
		"tables", len(result.Tables),
		"uploaded", result.Uploaded,
		"errors", len(result.Errors))

	s.notify(result)
	return &result
}

// Stats returns the status surface, or nil when the store never opened.
func (s *Service) Stats(ctx context.Context) *Stats {
	if !s.store.Available() {
		return nil
	}
	stats := &Stats{
		Syncing: atomic.LoadInt32(&s.syncing) == 1,
		Tables:  s.store.GetSyncMetadata(ctx),
	}
	if ns := s.lastSync.Load(); ns > 0 {
		stats.LastSync = time.Unix(0, ns)
	}
	return stats
}

// syncTable is the per-table step: bounded fetch, bulk upsert, and a sync
// metadata write that reflects the attempt whether it succeeded or not.
func (s *Service) syncTable(ctx context.Context, table string) (int, error) {
	limit := s.config.DefaultLimit
	if l, ok := s.config.TableLimits[table]; ok {
		limit = l
	}

	records, err := s.source.FetchRecent(ctx, table, limit)
	if err != nil {
		if metaErr := s.store.UpdateSyncMetadata(ctx, table, err.Error()); metaErr != nil {
			s.logger.Error("failed to record sync error", "table", table, "error", metaErr)
		}
		return 0, err
	}

	applied, err := s.store.BulkUpsert(ctx, table, toLocalRecords(records))
	if err != nil {
		if metaErr := s.store.UpdateSyncMetadata(ctx, table, err.Error()); metaErr != nil {
			s.logger.Error("failed to record sync error", "table", table, "error", metaErr)
		}
		return 0, err
	}

	if err := s.store.UpdateSyncMetadata(ctx, table, ""); err != nil {
		s.logger.Error("failed to update sync metadata", "table", table, "error", err)
	}
	return applied, nil
}

// uploadLocalSessions pushes locally recorded learning sessions to the
// remote source in bounded batches with ignore-duplicates semantics, so
// re-uploading already delivered sessions is harmless.
func (s *Service) uploadLocalSessions(ctx context.Context) (int, error) {
	sessions := s.store.GetAll(ctx, UploadTable)
	if len(sessions) == 0 {
		return 0, nil
	}

	uploaded := 0
	for start := 0; start < len(sessions); start += s.config.UploadBatchSize {
		end := start + s.config.UploadBatchSize
		if end > len(sessions) {
			end = len(sessions)
		}
		n, err := s.source.Insert(ctx, UploadTable, toRemoteRecords(sessions[start:end]))
		if err != nil {
			return uploaded, err
		}
		uploaded += n
	}
	return uploaded, nil
}

func (s *Service) notify(result Result) {
	s.mu.Lock()
	listeners := make([]func(Result), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(result)
	}
}

func toLocalRecords(records []remote.Record) []localstore.Record {
	out := make([]localstore.Record, len(records))
	for i, rec := range records {
		out[i] = localstore.Record(rec)
	}
	return out
}

func toRemoteRecords(records []localstore.Record) []remote.Record {
	out := make([]remote.Record, len(records))
	for i, rec := range records {
		remoteRec := make(remote.Record, len(rec))
		for k, v := range rec {
			// synced_at is local bookkeeping, not a remote column.
			if k == localstore.SyncedAtColumn {
				continue
			}
			remoteRec[k] = v
		}
		out[i] = remoteRec
	}
	return out
}
