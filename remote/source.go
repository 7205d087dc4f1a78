// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the narrow surface of the remote source of truth
// that the cache layer depends on, plus a Postgres-backed implementation.
// The sync and audit engines only ever see the Source interface; consumers
// that cannot open the local store fall back to querying the source
// directly.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one remote row keyed by column name.
type Record = map[string]any

// Source is the read/write surface the cache layer needs from the remote
// backend: bounded recency-ordered reads, head-only counts, recent-ID
// sampling, and an ignore-duplicates batch insert for the upload path.
type Source interface {
	// FetchRecent returns up to limit rows ordered by created_at descending.
	FetchRecent(ctx context.Context, table string, limit int) ([]Record, error)

	// FetchSince returns up to limit rows created at or after since,
	// ordered by created_at descending.
	FetchSince(ctx context.Context, table string, since time.Time, limit int) ([]Record, error)

	// Count returns the total row count without returning rows.
	Count(ctx context.Context, table string) (int, error)

	// RecentIDs returns up to limit primary keys ordered by created_at
	// descending.
	RecentIDs(ctx context.Context, table string, limit int) ([]string, error)

	// Insert writes records, skipping rows whose primary key already
	// exists. Returns the number of rows actually inserted.
	Insert(ctx context.Context, table string, records []Record) (int, error)

	Close()
}

// PGConfig configures the Postgres-backed source.
type PGConfig struct {
	// CallTimeout bounds every individual remote call so a hung backend
	// surfaces as a normal per-table error instead of stalling a sync pass.
	CallTimeout time.Duration
}

// DefaultPGConfig returns the production defaults.
func DefaultPGConfig() *PGConfig {
	return &PGConfig{CallTimeout: 15 * time.Second}
}

// PGSource implements Source over a pgx connection pool.
type PGSource struct {
	pool   *pgxpool.Pool
	config *PGConfig
	logger *slog.Logger
}

// NewPGSource connects to the remote database and verifies the connection.
func NewPGSource(ctx context.Context, databaseURL string, config *PGConfig, logger *slog.Logger) (*PGSource, error) {
	if config == nil {
		config = DefaultPGConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach remote source: %w", err)
	}

	return &PGSource{pool: pool, config: config, logger: logger}, nil
}

// Pool exposes the underlying pool for the change-notification listener.
func (s *PGSource) Pool() *pgxpool.Pool { return s.pool }

func (s *PGSource) Close() { s.pool.Close() }

func (s *PGSource) FetchRecent(ctx context.Context, table string, limit int) ([]Record, error) {
	if err := validateIdent(table); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY created_at DESC LIMIT $1`, table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", table, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PGSource) FetchSince(ctx context.Context, table string, since time.Time, limit int) ([]Record, error) {
	if err := validateIdent(table); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT * FROM %s WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`, table)
	rows, err := s.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s since %s: %w", table, since.Format(time.RFC3339), err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PGSource) Count(ctx context.Context, table string) (int, error) {
	if err := validateIdent(table); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func (s *PGSource) RecentIDs(ctx context.Context, table string, limit int) ([]string, error) {
	if err := validateIdent(table); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT id::text FROM %s ORDER BY created_at DESC LIMIT $1`, table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ids for %s: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id for %s: %w", table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Insert writes records with ON CONFLICT DO NOTHING so an upload pass can
// be retried without duplicate-key errors. Column order is derived from
// the first record for a deterministic statement.
func (s *PGSource) Insert(ctx context.Context, table string, records []Record) (int, error) {
	if err := validateIdent(table); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	cols := make([]string, 0, len(records[0]))
	for col := range records[0] {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING`,
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	inserted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, rec := range records {
			args := make([]any, len(cols))
			for i, col := range cols {
				args[i] = rec[col]
			}
			tag, err := tx.Exec(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to insert into %s: %w", table, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// collectRecords converts a pgx result set into generic records. Nested
// values are flattened to JSON text and timestamps to RFC 3339 strings so
// rows can be stored in the local mirror without per-table mapping code.
func collectRecords(rows pgx.Rows) ([]Record, error) {
	fields := rows.FieldDescriptions()
	var out []Record

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		rec := make(Record, len(fields))
		for i, fd := range fields {
			rec[string(fd.Name)] = flattenValue(values[i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func flattenValue(v any) any {
	switch val := v.(type) {
	case nil, string, int16, int32, int64, float32, float64, bool:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []byte:
		return string(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

// validateIdent rejects table names that are not plain identifiers, since
// table names are interpolated into query text.
func validateIdent(name string) error {
	if name == "" {
		return fmt.Errorf("empty table name")
	}
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}
