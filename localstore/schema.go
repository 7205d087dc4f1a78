// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"fmt"
	"strings"
)

// ColumnSpec describes one expected column of a mirrored table.
type ColumnSpec struct {
	Name       string
	Type       string // TEXT, INTEGER, REAL
	Nullable   bool
	PrimaryKey bool
}

// TableSchema is the expected shape of one mirrored table: an ordered
// column list plus the index statements that accompany the table.
type TableSchema struct {
	Columns []ColumnSpec
	Indexes []string
}

// Column returns the ColumnSpec for a named column, or nil if the table does
// not declare it.
func (s *TableSchema) Column(name string) *ColumnSpec {
	for i := range s.Columns {
		if strings.EqualFold(s.Columns[i].Name, name) {
			return &s.Columns[i]
		}
	}
	return nil
}

// SyncedAtColumn is stamped by the writer on every upsert. It is part of
// every mirrored table but is never supplied by the remote source.
const SyncedAtColumn = "synced_at"

// SyncMetadataTable records one row per logical table with the outcome of
// the most recent sync attempt.
const SyncMetadataTable = "sync_metadata"

// Catalog is the single ground truth for the local schema. Open creates
// tables from it and the audit engine diffs the live database against it.
// Any new field on a cached record type must be added here first or the
// audit will flag it as a missing column on every run.
var Catalog = map[string]*TableSchema{
	"pins": {
		Columns: []ColumnSpec{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "user_id", Type: "TEXT", Nullable: true},
			{Name: "lat", Type: "REAL"},
			{Name: "lng", Type: "REAL"},
			{Name: "team", Type: "TEXT", Nullable: true},
			{Name: "name", Type: "TEXT", Nullable: true},
			{Name: "neighborhood", Type: "TEXT", Nullable: true},
			{Name: "hotdog", Type: "TEXT", Nullable: true},
			{Name: "note", Type: "TEXT", Nullable: true},
			{Name: "photo", Type: "TEXT", Nullable: true},
			{Name: "continent", Type: "TEXT", Nullable: true},
			{Name: "slug", Type: "TEXT", Nullable: true},
			{Name: "pin_style", Type: "TEXT", Nullable: true},
			{Name: "created_at", Type: "TEXT", Nullable: true},
			{Name: "updated_at", Type: "TEXT", Nullable: true},
			{Name: SyncedAtColumn, Type: "TEXT", Nullable: true},
		},
		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_pins_created ON pins(created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_pins_location ON pins(lat, lng)`,
			`CREATE INDEX IF NOT EXISTS idx_pins_continent ON pins(continent)`,
		},
	},
	"popular_spots": {
		Columns: []ColumnSpec{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "name", Type: "TEXT"},
			{Name: "lat", Type: "REAL"},
			{Name: "lng", Type: "REAL"},
			{Name: "category", Type: "TEXT", Nullable: true},
			{Name: "description", Type: "TEXT", Nullable: true},
			{Name: "image_url", Type: "TEXT", Nullable: true},
			{Name: "display_order", Type: "INTEGER", Nullable: true},
			{Name: "created_at", Type: "TEXT", Nullable: true},
			{Name: "updated_at", Type: "TEXT", Nullable: true},
			{Name: SyncedAtColumn, Type: "TEXT", Nullable: true},
		},
		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_popular_spots_order ON popular_spots(display_order)`,
		},
	},
	"comments": {
		Columns: []ColumnSpec{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "text", Type: "TEXT"},
			{Name: "created_at", Type: "TEXT", Nullable: true},
			{Name: SyncedAtColumn, Type: "TEXT", Nullable: true},
		},
		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_comments_created ON comments(created_at)`,
		},
	},
	"then_and_now": {
		Columns: []ColumnSpec{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "title", Type: "TEXT"},
			{Name: "historic_image", Type: "TEXT"},
			{Name: "modern_image", Type: "TEXT"},
			{Name: "lat", Type: "REAL"},
			{Name: "lng", Type: "REAL"},
			{Name: "historic_year", Type: "INTEGER", Nullable: true},
			{Name: "description", Type: "TEXT", Nullable: true},
			{Name: "display_order", Type: "INTEGER", Nullable: true},
			{Name: "created_at", Type: "TEXT", Nullable: true},
			{Name: "updated_at", Type: "TEXT", Nullable: true},
			{Name: SyncedAtColumn, Type: "TEXT", Nullable: true},
		},
		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_then_and_now_order ON then_and_now(display_order)`,
		},
	},
	"trivia_questions": {
		Columns: []ColumnSpec{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "question", Type: "TEXT"},
			{Name: "correct_answer", Type: "TEXT"},
			{Name: "incorrect_answers", Type: "TEXT"}, // JSON array
			{Name: "category", Type: "TEXT", Nullable: true},
			{Name: "difficulty", Type: "TEXT", Nullable: true},
			{Name: "created_at", Type: "TEXT", Nullable: true},
			{Name: SyncedAtColumn, Type: "TEXT", Nullable: true},
		},
		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_trivia_category ON trivia_questions(category)`,
		},
	},
	"jukebox_songs": {
		Columns: []ColumnSpec{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "title", Type: "TEXT"},
			{Name: "artist", Type: "TEXT", Nullable: true},
			{Name: "album", Type: "TEXT", Nullable: true},
			{Name: "duration", Type: "INTEGER", Nullable: true},
			{Name: "url", Type: "TEXT", Nullable: true},
			{Name: "cover_art", Type: "TEXT", Nullable: true},
			{Name: "genre", Type: "TEXT", Nullable: true},
			{Name: "created_at", Type: "TEXT", Nullable: true},
			{Name: SyncedAtColumn, Type: "TEXT", Nullable: true},
		},
		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_songs_artist ON jukebox_songs(artist)`,
		},
	},
	"nav_settings": {
		Columns: []ColumnSpec{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "key", Type: "TEXT"},
			{Name: "value", Type: "TEXT", Nullable: true}, // JSON
			{Name: "updated_at", Type: "TEXT", Nullable: true},
			{Name: SyncedAtColumn, Type: "TEXT", Nullable: true},
		},
		Indexes: []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_nav_settings_key ON nav_settings(key)`,
		},
	},
	"admin_settings": {
		Columns: []ColumnSpec{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "key", Type: "TEXT"},
			{Name: "value", Type: "TEXT", Nullable: true}, // JSON
			{Name: "updated_at", Type: "TEXT", Nullable: true},
			{Name: SyncedAtColumn, Type: "TEXT", Nullable: true},
		},
		Indexes: []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_admin_settings_key ON admin_settings(key)`,
		},
	},
	"proximity_learning_sessions": {
		Columns: []ColumnSpec{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "kiosk_id", Type: "TEXT", Nullable: true},
			{Name: "started_at", Type: "TEXT", Nullable: true},
			{Name: "ended_at", Type: "TEXT", Nullable: true},
			{Name: "trigger_count", Type: "INTEGER", Nullable: true},
			{Name: "threshold", Type: "REAL", Nullable: true},
			{Name: "outcome", Type: "TEXT", Nullable: true},
			{Name: "created_at", Type: "TEXT", Nullable: true},
			{Name: SyncedAtColumn, Type: "TEXT", Nullable: true},
		},
		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_learning_sessions_created ON proximity_learning_sessions(created_at DESC)`,
		},
	},
	"autonomous_tasks": {
		Columns: []ColumnSpec{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "task_type", Type: "TEXT", Nullable: true},
			{Name: "status", Type: "TEXT", Nullable: true},
			{Name: "payload", Type: "TEXT", Nullable: true}, // JSON
			{Name: "scheduled_for", Type: "TEXT", Nullable: true},
			{Name: "completed_at", Type: "TEXT", Nullable: true},
			{Name: "created_at", Type: "TEXT", Nullable: true},
			{Name: "updated_at", Type: "TEXT", Nullable: true},
			{Name: SyncedAtColumn, Type: "TEXT", Nullable: true},
		},
		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_autonomous_tasks_status ON autonomous_tasks(status)`,
		},
	},
	SyncMetadataTable: {
		Columns: []ColumnSpec{
			{Name: "table_name", Type: "TEXT", PrimaryKey: true},
			{Name: "last_sync", Type: "TEXT", Nullable: true},
			{Name: "sync_count", Type: "INTEGER"},
			{Name: "last_error", Type: "TEXT", Nullable: true},
		},
	},
}

// MirroredTables returns the catalog tables that mirror the remote source,
// in a stable order. The sync metadata table is excluded since it is
// operational state owned by this process.
func MirroredTables() []string {
	return []string{
		"pins",
		"popular_spots",
		"comments",
		"then_and_now",
		"trivia_questions",
		"jukebox_songs",
		"nav_settings",
		"admin_settings",
		"proximity_learning_sessions",
		"autonomous_tasks",
	}
}

// CatalogTables returns every table in the catalog including sync_metadata.
func CatalogTables() []string {
	return append(MirroredTables(), SyncMetadataTable)
}

// CreateTableSQL builds the CREATE TABLE statement for a catalog table.
func CreateTableSQL(table string) (string, error) {
	schema, ok := Catalog[table]
	if !ok {
		return "", fmt.Errorf("table %q is not in the schema catalog", table)
	}

	defs := make([]string, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		def := fmt.Sprintf("%s %s", col.Name, col.Type)
		if col.PrimaryKey {
			// SQLite does not imply NOT NULL for non-integer primary keys.
			def += " PRIMARY KEY NOT NULL"
		} else if !col.Nullable {
			def += " NOT NULL"
		}
		if col.Name == SyncedAtColumn {
			def += " DEFAULT CURRENT_TIMESTAMP"
		}
		if table == SyncMetadataTable && col.Name == "sync_count" {
			def += " DEFAULT 0"
		}
		defs = append(defs, def)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", ")), nil
}

// AddColumnSQL builds an ALTER TABLE statement that adds a missing catalog
// column. Non-nullable columns get a type-appropriate default so the
// statement cannot fail on existing rows.
func AddColumnSQL(table, column string) (string, error) {
	schema, ok := Catalog[table]
	if !ok {
		return "", fmt.Errorf("table %q is not in the schema catalog", table)
	}
	col := schema.Column(column)
	if col == nil {
		return "", fmt.Errorf("column %q is not in the catalog for table %q", column, table)
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.Name, col.Type)
	if !col.Nullable {
		switch strings.ToUpper(col.Type) {
		case "TEXT":
			stmt += " DEFAULT ''"
		case "INTEGER":
			stmt += " DEFAULT 0"
		case "REAL":
			stmt += " DEFAULT 0.0"
		}
	}
	return stmt, nil
}
