// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import "time"

// IssueType classifies one schema discrepancy between the live local
// database and the catalog.
type IssueType string

const (
	IssueMissingTable  IssueType = "MISSING_TABLE"
	IssueMissingColumn IssueType = "MISSING_COLUMN"
	IssueTypeMismatch  IssueType = "TYPE_MISMATCH"
	IssueExtraColumn   IssueType = "EXTRA_COLUMN"
)

// Severity ranks an issue for the summary tally.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityLow      Severity = "low"
)

// SyncStatus classifies a table's row-count relationship to the remote
// source.
type SyncStatus string

const (
	StatusSynced      SyncStatus = "synced"
	StatusLocalBehind SyncStatus = "local_behind"
	StatusLocalAhead  SyncStatus = "local_ahead"
	StatusRemoteError SyncStatus = "remote_error"
	StatusUnknown     SyncStatus = "unknown"
)

// Issue is one schema discrepancy.
type Issue struct {
	Type     IssueType `json:"type"`
	Column   string    `json:"column,omitempty"`
	Expected string    `json:"expected,omitempty"`
	Actual   string    `json:"actual,omitempty"`
	Severity Severity  `json:"severity"`
}

// RowCounts compares local and remote cardinality for one table. Remote
// is nil when the remote count could not be obtained.
type RowCounts struct {
	Local  int    `json:"local"`
	Remote *int   `json:"remote"`
	Diff   int    `json:"diff"`
	Error  string `json:"error,omitempty"`
}

// TableAudit is the per-table diagnosis.
type TableAudit struct {
	Exists           bool       `json:"exists"`
	SchemaIssues     []Issue    `json:"schema_issues"`
	RowCounts        RowCounts  `json:"row_counts"`
	DataSyncStatus   SyncStatus `json:"data_sync_status"`
	MissingCount     int        `json:"missing_count,omitempty"`
	ExtraCount       int        `json:"extra_count,omitempty"`
	SampleMissingIDs []string   `json:"sample_missing_ids,omitempty"`
}

// Summary tallies issues by severity across all tables.
type Summary struct {
	TotalIssues int `json:"total_issues"`
	Critical    int `json:"critical"`
	High        int `json:"high"`
	Low         int `json:"low"`
}

// Report is the full audit result. Expected failure paths (store never
// opened) are conveyed by Success=false rather than an error return.
type Report struct {
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Tables    map[string]*TableAudit `json:"tables,omitempty"`
	Summary   Summary                `json:"summary"`
}

// AppliedFix records one attempted schema repair.
type AppliedFix struct {
	Table   string `json:"table"`
	Column  string `json:"column,omitempty"`
	Fix     string `json:"fix"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// FixResult is the outcome of a FixSchemaIssues run.
type FixResult struct {
	Success      bool         `json:"success"`
	Error        string       `json:"error,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	AppliedFixes []AppliedFix `json:"applied_fixes"`
	Errors       []AppliedFix `json:"errors"`
}

// DataSyncResult is the outcome of a SyncMissingData run. Synced==0 and
// Total==0 together mean "already in sync", distinct from failure.
type DataSyncResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Synced  int    `json:"synced"`
	Total   int    `json:"total"`
}

// AutoFixResult carries all four artifacts of an auto-fix run so a caller
// can compare before/after state instead of trusting the repair step's
// self-reported success.
type AutoFixResult struct {
	Success     bool                       `json:"success"`
	Error       string                     `json:"error,omitempty"`
	BeforeAudit *Report                    `json:"before_audit,omitempty"`
	SchemaFixes *FixResult                 `json:"schema_fixes,omitempty"`
	DataSyncs   map[string]*DataSyncResult `json:"data_syncs,omitempty"`
	AfterAudit  *Report                    `json:"after_audit,omitempty"`
}
