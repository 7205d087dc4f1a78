// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore provides the embedded SQLite mirror of the kiosk's
// remote source of truth. It is the only package that touches the database
// engine directly. On hosts without usable storage the store degrades to a
// permanent no-op: every method returns an empty result instead of an
// error, so callers need a single Available() gate rather than two code
// paths.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrUnavailable is returned by write operations that must report failure
// when the store never opened. Read operations simply return empty results.
var ErrUnavailable = errors.New("local store unavailable")

// BulkChunkSize is the number of rows applied between cooperative yields
// inside a bulk upsert transaction.
const BulkChunkSize = 100

// Record is one generic mirrored row, keyed by column name.
type Record map[string]any

// SyncMetadata is one row of the sync_metadata table.
type SyncMetadata struct {
	TableName string `json:"table_name"`
	LastSync  string `json:"last_sync"`
	SyncCount int64  `json:"sync_count"`
	LastError string `json:"last_error,omitempty"`
}

// Store is the on-device mirror. Construct with New, then call Open once;
// the lifecycle (create, open, close) is owned by the process entry point
// and the handle is passed to the sync and audit engines explicitly.
type Store struct {
	db        *sql.DB
	path      string
	available bool
	logger    *slog.Logger
}

// New creates an unopened store handle for the given database file path.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Open opens or creates the database file and applies every catalog table
// and index not yet present. It is idempotent. When the host cannot
// provide embedded storage the store stays unavailable for the rest of the
// process lifetime; Open logs the cause and returns normally so the app
// runs identically without the offline cache.
func (s *Store) Open(ctx context.Context) {
	if s.available {
		return
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		s.logger.Warn("local store unavailable, falling back to remote-only reads", "path", s.path, "error", err)
		return
	}
	// One connection: the kiosk host serializes access and it keeps
	// in-memory databases coherent across calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		s.logger.Warn("local store unavailable, falling back to remote-only reads", "path", s.path, "error", err)
		_ = db.Close()
		return
	}

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		s.logger.Warn("failed to enable WAL mode", "error", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		s.logger.Warn("failed to enable foreign keys", "error", err)
	}

	for _, table := range CatalogTables() {
		stmt, err := CreateTableSQL(table)
		if err != nil {
			s.logger.Error("bad catalog entry", "table", table, "error", err)
			_ = db.Close()
			return
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			s.logger.Warn("local store unavailable, schema creation failed", "table", table, "error", err)
			_ = db.Close()
			return
		}
		for _, idx := range Catalog[table].Indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				s.logger.Warn("failed to create index", "table", table, "error", err)
			}
		}
	}

	s.db = db
	s.available = true
	s.logger.Info("local store opened", "path", s.path, "tables", len(Catalog))
}

// Available reports whether Open succeeded on a capable host.
func (s *Store) Available() bool {
	return s.available && s.db != nil
}

// Close releases the underlying connection. Safe to call when never opened.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.available = false
	return err
}

// GetAll returns every row of a mirrored table, most recent first when the
// table carries a created_at column.
func (s *Store) GetAll(ctx context.Context, table string) []Record {
	if !s.Available() {
		return nil
	}
	schema, ok := Catalog[table]
	if !ok {
		s.logger.Error("unknown table", "table", table)
		return nil
	}

	query := fmt.Sprintf("SELECT * FROM %s", table)
	if schema.Column("created_at") != nil {
		query += " ORDER BY created_at DESC"
	}
	return s.queryRecords(ctx, query)
}

// GetByFilter returns rows where column equals value. The column must be
// declared in the catalog for the table.
func (s *Store) GetByFilter(ctx context.Context, table, column string, value any) []Record {
	if !s.Available() {
		return nil
	}
	schema, ok := Catalog[table]
	if !ok || schema.Column(column) == nil {
		s.logger.Error("unknown table or column", "table", table, "column", column)
		return nil
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", table, column)
	if schema.Column("created_at") != nil {
		query += " ORDER BY created_at DESC"
	}
	return s.queryRecords(ctx, query, value)
}

// RandomRecords returns up to n rows in random order. Used by the trivia
// game to draw question sets.
func (s *Store) RandomRecords(ctx context.Context, table string, n int) []Record {
	if !s.Available() {
		return nil
	}
	if _, ok := Catalog[table]; !ok {
		s.logger.Error("unknown table", "table", table)
		return nil
	}
	return s.queryRecords(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY RANDOM() LIMIT ?", table), n)
}

// Upsert inserts or replaces a single record by primary key. Last writer
// wins; synced_at is stamped at write time.
func (s *Store) Upsert(ctx context.Context, table string, rec Record) error {
	if !s.Available() {
		return nil
	}
	stmt, args, err := s.upsertStatement(table, rec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return nil
}

// BulkUpsert applies a batch inside a single transaction, yielding to the
// scheduler between chunks of BulkChunkSize so a large sync does not
// starve the host. A failure anywhere rolls the whole batch back; bulk
// writes are all-or-nothing per call. Returns the number of rows applied.
func (s *Store) BulkUpsert(ctx context.Context, table string, recs []Record) (int, error) {
	if !s.Available() || len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin bulk upsert: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	for i, rec := range recs {
		stmt, args, err := s.upsertStatement(table, rec)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return 0, fmt.Errorf("bulk upsert failed at row %d of %s: %w", i, table, err)
		}
		applied++

		if applied%BulkChunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			runtime.Gosched()
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bulk upsert for %s: %w", table, err)
	}
	return applied, nil
}

// SaveKeyValue inserts or replaces a key/value row. The value is stored as
// JSON text; key uniqueness is enforced by the table's unique index.
func (s *Store) SaveKeyValue(ctx context.Context, table, key string, value any) error {
	if !s.Available() {
		return nil
	}
	if _, ok := Catalog[table]; !ok {
		return fmt.Errorf("unknown table %q", table)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, key, value, updated_at, synced_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`, table)
	if _, err := s.db.ExecContext(ctx, stmt, key, key, string(raw)); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// GetKeyValues returns all settings of a key/value table as raw JSON by key.
func (s *Store) GetKeyValues(ctx context.Context, table string) map[string]json.RawMessage {
	if !s.Available() {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT key, value FROM %s", table))
	if err != nil {
		s.logger.Error("failed to read settings", "table", table, "error", err)
		return nil
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			s.logger.Error("failed to scan setting", "table", table, "error", err)
			return out
		}
		if value.Valid {
			out[key] = json.RawMessage(value.String)
		} else {
			out[key] = json.RawMessage("null")
		}
	}
	return out
}

// UpdateSyncMetadata records the outcome of a sync attempt: sync_count is
// incremented, last_sync refreshed, and last_error set or cleared. Called
// after every attempt regardless of outcome.
func (s *Store) UpdateSyncMetadata(ctx context.Context, table string, errText string) error {
	if !s.Available() {
		return nil
	}

	var lastErr any
	if errText != "" {
		lastErr = errText
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_metadata (table_name, last_sync, sync_count, last_error)
		VALUES (
			?,
			CURRENT_TIMESTAMP,
			COALESCE((SELECT sync_count FROM sync_metadata WHERE table_name = ?), 0) + 1,
			?
		)`, table, table, lastErr)
	if err != nil {
		return fmt.Errorf("failed to update sync metadata for %s: %w", table, err)
	}
	return nil
}

// GetSyncMetadata returns the sync_metadata rows for all tables.
func (s *Store) GetSyncMetadata(ctx context.Context) []SyncMetadata {
	if !s.Available() {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT table_name, COALESCE(last_sync, ''), sync_count, COALESCE(last_error, '') FROM sync_metadata`)
	if err != nil {
		s.logger.Error("failed to read sync metadata", "error", err)
		return nil
	}
	defer rows.Close()

	var out []SyncMetadata
	for rows.Next() {
		var m SyncMetadata
		if err := rows.Scan(&m.TableName, &m.LastSync, &m.SyncCount, &m.LastError); err != nil {
			s.logger.Error("failed to scan sync metadata", "error", err)
			return out
		}
		out = append(out, m)
	}
	return out
}

// ColumnInfo describes one live column as reported by the engine.
type ColumnInfo struct {
	Name         string
	DeclaredType string
	NotNull      bool
	IsPrimaryKey bool
	DefaultValue *string
}

// TableInfo reads live column metadata for a table via PRAGMA table_info.
// Returns nil when the table does not exist. This is the hook the audit
// engine diffs against the catalog.
func (s *Store) TableInfo(ctx context.Context, table string) []ColumnInfo {
	if !s.Available() {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		s.logger.Error("failed to read table info", "table", table, "error", err)
		return nil
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var cid, notNull, pk int
		var name, declaredType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			s.logger.Error("failed to scan table info", "table", table, "error", err)
			return nil
		}
		col := ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			NotNull:      notNull == 1,
			IsPrimaryKey: pk == 1,
		}
		if defaultValue.Valid {
			v := defaultValue.String
			col.DefaultValue = &v
		}
		cols = append(cols, col)
	}
	return cols
}

// CountRows returns the row count for a table, or 0 when unavailable.
func (s *Store) CountRows(ctx context.Context, table string) int {
	if !s.Available() {
		return 0
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
		s.logger.Error("failed to count rows", "table", table, "error", err)
		return 0
	}
	return n
}

// IDs returns every primary key of a table.
func (s *Store) IDs(ctx context.Context, table string) []string {
	if !s.Available() {
		return nil
	}
	pk := "id"
	if table == SyncMetadataTable {
		pk = "table_name"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", pk, table))
	if err != nil {
		s.logger.Error("failed to read ids", "table", table, "error", err)
		return nil
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			s.logger.Error("failed to scan id", "table", table, "error", err)
			return ids
		}
		ids = append(ids, id)
	}
	return ids
}

// Exec runs a raw DDL statement. Used only by the audit engine's repair
// path for CREATE TABLE / ALTER TABLE.
func (s *Store) Exec(ctx context.Context, stmt string) error {
	if !s.Available() {
		return ErrUnavailable
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute %q: %w", firstWords(stmt, 4), err)
	}
	return nil
}

// ClearAll deletes every row from every catalog table, sync_metadata
// included. Tables and indexes are left in place.
func (s *Store) ClearAll(ctx context.Context) error {
	if !s.Available() {
		return nil
	}
	for _, table := range CatalogTables() {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	s.logger.Info("local store cleared")
	return nil
}

func (s *Store) upsertStatement(table string, rec Record) (string, []any, error) {
	schema, ok := Catalog[table]
	if !ok {
		return "", nil, fmt.Errorf("unknown table %q", table)
	}

	var cols []string
	var args []any
	for _, col := range schema.Columns {
		if col.Name == SyncedAtColumn {
			continue
		}
		cols = append(cols, col.Name)
		args = append(args, normalizeValue(rec[col.Name]))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s, %s) VALUES (%s, CURRENT_TIMESTAMP)",
		table, strings.Join(cols, ", "), SyncedAtColumn, placeholders)
	return stmt, args, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) []Record {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("query failed", "query", firstWords(query, 4), "error", err)
		return nil
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		s.logger.Error("failed to read columns", "error", err)
		return nil
	}

	var out []Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			s.logger.Error("failed to scan row", "error", err)
			return out
		}

		rec := make(Record, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[col] = string(b)
			} else {
				rec[col] = values[i]
			}
		}
		out = append(out, rec)
	}
	return out
}

// normalizeValue converts a record value to something the SQLite driver
// accepts. Nested structures arriving from the remote source are stored as
// JSON text.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil, string, int, int64, float64, bool, []byte:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
