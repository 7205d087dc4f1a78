// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit diagnoses schema and data drift between the local mirror
// and the remote source of truth, and can optionally repair it. It never
// runs automatically; every entry point is operator-triggered.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/geverist/chi-pins-sub000/localstore"
	"github.com/geverist/chi-pins-sub000/remote"
)

// SampleMissingIDLimit bounds the recent-ID diff used to illustrate a
// local_behind table. Sampling the most recent window rather than the full
// key space keeps the audit cheap; older missing rows outside the window
// can go unreported, which is an accepted trade-off.
const SampleMissingIDLimit = 10

// RecentIDWindow is how many recent remote IDs the sampling diff inspects.
const RecentIDWindow = 100

// Engine runs audits and repairs against an injected store and source.
type Engine struct {
	store  *localstore.Store
	source remote.Source
	logger *slog.Logger
}

// New creates an audit engine.
func New(store *localstore.Store, source remote.Source, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, source: source, logger: logger}
}

// AuditDatabase compares the live local schema and row counts against the
// catalog and the remote source for every mirrored table. Remote failures
// are captured per table, never fatal to the whole audit.
func (e *Engine) AuditDatabase(ctx context.Context) *Report {
	report := &Report{Timestamp: time.Now()}
	if !e.store.Available() {
		report.Error = "local database not available"
		return report
	}

	report.Success = true
	report.Tables = make(map[string]*TableAudit)

	for _, table := range localstore.MirroredTables() {
		e.logger.Debug("auditing table", "table", table)
		ta := e.auditTable(ctx, table)
		report.Tables[table] = ta
		for _, issue := range ta.SchemaIssues {
			report.Summary.TotalIssues++
			switch issue.Severity {
			case SeverityCritical:
				report.Summary.Critical++
			case SeverityHigh:
				report.Summary.High++
			case SeverityLow:
				report.Summary.Low++
			}
		}
	}

	e.logger.Info("audit completed",
		"issues", report.Summary.TotalIssues,
		"critical", report.Summary.Critical,
		"high", report.Summary.High,
		"low", report.Summary.Low)
	return report
}

func (e *Engine) auditTable(ctx context.Context, table string) *TableAudit {
	ta := &TableAudit{DataSyncStatus: StatusUnknown}

	cols := e.store.TableInfo(ctx, table)
	if cols == nil {
		// Absent table: no further checks are meaningful.
		ta.SchemaIssues = append(ta.SchemaIssues, Issue{Type: IssueMissingTable, Severity: SeverityCritical})
		return ta
	}
	ta.Exists = true
	ta.SchemaIssues = compareSchemas(cols, localstore.Catalog[table])

	ta.RowCounts.Local = e.store.CountRows(ctx, table)
	remoteCount, err := e.source.Count(ctx, table)
	if err != nil {
		ta.RowCounts.Error = err.Error()
		ta.DataSyncStatus = StatusRemoteError
		return ta
	}
	ta.RowCounts.Remote = &remoteCount
	ta.RowCounts.Diff = ta.RowCounts.Local - remoteCount

	switch {
	case ta.RowCounts.Diff == 0:
		ta.DataSyncStatus = StatusSynced
	case ta.RowCounts.Diff < 0:
		ta.DataSyncStatus = StatusLocalBehind
		ta.MissingCount = -ta.RowCounts.Diff
		ta.SampleMissingIDs = e.sampleMissingIDs(ctx, table)
	default:
		ta.DataSyncStatus = StatusLocalAhead
		ta.ExtraCount = ta.RowCounts.Diff
	}
	return ta
}

// compareSchemas diffs live columns against the catalog. Types are
// compared loosely (case-insensitive declared type) since SQLite's typing
// is flexible; a mismatch is a low-severity warning, not an error.
func compareSchemas(live []localstore.ColumnInfo, expected *localstore.TableSchema) []Issue {
	var issues []Issue

	liveByName := make(map[string]localstore.ColumnInfo, len(live))
	for _, col := range live {
		liveByName[strings.ToLower(col.Name)] = col
	}

	for _, want := range expected.Columns {
		got, ok := liveByName[strings.ToLower(want.Name)]
		if !ok {
			issues = append(issues, Issue{
				Type:     IssueMissingColumn,
				Column:   want.Name,
				Expected: want.Type,
				Severity: SeverityHigh,
			})
			continue
		}
		if !strings.EqualFold(got.DeclaredType, want.Type) {
			issues = append(issues, Issue{
				Type:     IssueTypeMismatch,
				Column:   want.Name,
				Expected: want.Type,
				Actual:   got.DeclaredType,
				Severity: SeverityLow,
			})
		}
	}

	for _, col := range live {
		if expected.Column(col.Name) == nil {
			issues = append(issues, Issue{
				Type:     IssueExtraColumn,
				Column:   col.Name,
				Severity: SeverityLow,
			})
		}
	}
	return issues
}

// sampleMissingIDs returns up to SampleMissingIDLimit remote IDs absent
// locally, drawn from the most recent window. Best-effort; may be empty.
func (e *Engine) sampleMissingIDs(ctx context.Context, table string) []string {
	remoteIDs, err := e.source.RecentIDs(ctx, table, RecentIDWindow)
	if err != nil {
		e.logger.Warn("failed to sample remote ids", "table", table, "error", err)
		return nil
	}

	local := make(map[string]struct{})
	for _, id := range e.store.IDs(ctx, table) {
		local[id] = struct{}{}
	}

	var missing []string
	for _, id := range remoteIDs {
		if _, ok := local[id]; !ok {
			missing = append(missing, id)
			if len(missing) == SampleMissingIDLimit {
				break
			}
		}
	}
	return missing
}

// FixSchemaIssues repairs what can be repaired safely: missing tables are
// created from the catalog (with their indexes), missing columns added
// with safe defaults. Type mismatches and extra columns have no safe
// generic fix and are reported only. One fix's failure does not stop the
// rest.
func (e *Engine) FixSchemaIssues(ctx context.Context, report *Report) *FixResult {
	result := &FixResult{Timestamp: time.Now()}
	if !e.store.Available() {
		result.Error = "local database not available"
		return result
	}
	result.Success = true

	for table, ta := range report.Tables {
		if !ta.Exists {
			e.applyFix(ctx, result, AppliedFix{Table: table, Fix: "CREATE_TABLE"}, func() error {
				stmt, err := localstore.CreateTableSQL(table)
				if err != nil {
					return err
				}
				if err := e.store.Exec(ctx, stmt); err != nil {
					return err
				}
				for _, idx := range localstore.Catalog[table].Indexes {
					if err := e.store.Exec(ctx, idx); err != nil {
						return err
					}
				}
				return nil
			})
			continue
		}

		for _, issue := range ta.SchemaIssues {
			if issue.Type != IssueMissingColumn {
				continue
			}
			column := issue.Column
			e.applyFix(ctx, result, AppliedFix{Table: table, Column: column, Fix: "ADD_COLUMN"}, func() error {
				stmt, err := localstore.AddColumnSQL(table, column)
				if err != nil {
					return err
				}
				return e.store.Exec(ctx, stmt)
			})
		}
	}

	e.logger.Info("schema fix completed", "applied", len(result.AppliedFixes), "errors", len(result.Errors))
	return result
}

func (e *Engine) applyFix(ctx context.Context, result *FixResult, fix AppliedFix, fn func() error) {
	if err := fn(); err != nil {
		e.logger.Error("schema fix failed", "table", fix.Table, "fix", fix.Fix, "error", err)
		fix.Error = err.Error()
		result.Errors = append(result.Errors, fix)
		return
	}
	fix.Success = true
	result.AppliedFixes = append(result.AppliedFixes, fix)
}

// SyncMissingData diffs local IDs against a bounded recent slice of remote
// rows and upserts only the computed missing set, leaving rows that are
// already current untouched. Single-record failures are logged and
// skipped rather than aborting the backfill.
func (e *Engine) SyncMissingData(ctx context.Context, table string, maxRecords int) *DataSyncResult {
	if !e.store.Available() {
		return &DataSyncResult{Error: "local database not available"}
	}

	records, err := e.source.FetchRecent(ctx, table, maxRecords)
	if err != nil {
		return &DataSyncResult{Error: err.Error()}
	}

	local := make(map[string]struct{})
	for _, id := range e.store.IDs(ctx, table) {
		local[id] = struct{}{}
	}

	var missing []remote.Record
	for _, rec := range records {
		id, _ := rec["id"].(string)
		if id == "" {
			continue
		}
		if _, ok := local[id]; !ok {
			missing = append(missing, rec)
		}
	}

	if len(missing) == 0 {
		e.logger.Info("no missing records", "table", table)
		return &DataSyncResult{Success: true}
	}

	synced := 0
	for _, rec := range missing {
		if err := e.store.Upsert(ctx, table, localstore.Record(rec)); err != nil {
			e.logger.Error("failed to backfill record", "table", table, "id", rec["id"], "error", err)
			continue
		}
		synced++
	}

	e.logger.Info("backfill completed", "table", table, "synced", synced, "total", len(missing))
	return &DataSyncResult{Success: true, Synced: synced, Total: len(missing)}
}

// AutoFix orchestrates audit, schema repair, data backfill for every table
// whose pre-fix audit was local_behind, and a final re-audit.
func (e *Engine) AutoFix(ctx context.Context, maxRecords int) *AutoFixResult {
	before := e.AuditDatabase(ctx)
	if !before.Success {
		return &AutoFixResult{Error: before.Error}
	}

	fixes := e.FixSchemaIssues(ctx, before)

	dataSyncs := make(map[string]*DataSyncResult)
	for table, ta := range before.Tables {
		if ta.DataSyncStatus == StatusLocalBehind {
			dataSyncs[table] = e.SyncMissingData(ctx, table, maxRecords)
		}
	}

	after := e.AuditDatabase(ctx)

	return &AutoFixResult{
		Success:     true,
		BeforeAudit: before,
		SchemaFixes: fixes,
		DataSyncs:   dataSyncs,
		AfterAudit:  after,
	}
}
