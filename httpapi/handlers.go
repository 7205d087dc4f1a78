// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi exposes the operator surface over HTTP: sync status,
// force-sync, audit, auto-fix, and tile cache control. Every expected
// failure is returned as a JSON error envelope; exceptions never escape
// the handler boundary.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/geverist/chi-pins-sub000/audit"
	"github.com/geverist/chi-pins-sub000/syncsvc"
	"github.com/geverist/chi-pins-sub000/tilecache"
)

// AutoFixMaxRecords bounds the backfill inside an HTTP-triggered auto-fix.
const AutoFixMaxRecords = 1000

// Handlers wires the sync, audit, and tile components to HTTP.
type Handlers struct {
	sync   *syncsvc.Service
	audit  *audit.Engine
	tiles  *tilecache.Cache
	auth   *JWTAuth
	logger *slog.Logger
}

// New creates the handler set.
func New(sync *syncsvc.Service, auditEngine *audit.Engine, tiles *tilecache.Cache, auth *JWTAuth, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{sync: sync, audit: auditEngine, tiles: tiles, auth: auth, logger: logger}
}

// Routes returns the admin mux with all endpoints registered.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", h.requireAuth(h.HandleStatus))
	mux.HandleFunc("/sync", h.requireAuth(h.HandleForceSync))
	mux.HandleFunc("/audit", h.requireAuth(h.HandleAudit))
	mux.HandleFunc("/autofix", h.requireAuth(h.HandleAutoFix))
	mux.HandleFunc("/tiles/status", h.requireAuth(h.HandleTileStatus))
	mux.HandleFunc("/cache/clear", h.requireAuth(h.HandleClearTiles))
	return mux
}

func (h *Handlers) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.auth != nil {
			if _, err := h.auth.Authenticate(r); err != nil {
				h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
				return
			}
		}
		next(w, r)
	}
}

// HandleStatus returns the per-table sync metadata plus an overall
// headline, the structure UI status indicators render from.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	stats := h.sync.Stats(r.Context())
	if stats == nil {
		h.writeJSON(w, map[string]any{"available": false})
		return
	}

	issues := 0
	for _, table := range stats.Tables {
		if table.LastError != "" {
			issues++
		}
	}
	headline := "all synced"
	if issues > 0 {
		headline = "issues detected"
	}

	h.writeJSON(w, map[string]any{
		"available": true,
		"headline":  headline,
		"issues":    issues,
		"stats":     stats,
	})
}

// HandleForceSync triggers a sync pass outside the timer cadence.
func (h *Handlers) HandleForceSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	result := h.sync.ForceSync(r.Context())
	if result == nil {
		// Either a pass is already running or the store never opened.
		h.writeJSON(w, map[string]any{"started": false})
		return
	}
	h.writeJSON(w, result)
}

// HandleAudit runs a read-only audit and returns the full report.
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	h.writeJSON(w, h.audit.AuditDatabase(r.Context()))
}

// HandleAutoFix runs audit, schema repair, data backfill, and re-audit,
// returning all four artifacts.
func (h *Handlers) HandleAutoFix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	h.writeJSON(w, h.audit.AutoFix(r.Context(), AutoFixMaxRecords))
}

// HandleTileStatus reports backend identity, tile count, and optionally a
// region's live-derived completeness via ?region=.
func (h *Handlers) HandleTileStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	response := map[string]any{"stats": h.tiles.Stats()}
	switch r.URL.Query().Get("region") {
	case "chicago":
		complete, completeness := h.tiles.IsRegionComplete(tilecache.Chicago)
		response["region"] = tilecache.Chicago.Name
		response["complete"] = complete
		response["completeness"] = completeness
	case "global":
		complete, completeness := h.tiles.IsRegionComplete(tilecache.Global)
		response["region"] = tilecache.Global.Name
		response["complete"] = complete
		response["completeness"] = completeness
	}
	h.writeJSON(w, response)
}

// HandleClearTiles deletes the entire tile cache namespace.
func (h *Handlers) HandleClearTiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if err := h.tiles.ClearAll(); err != nil {
		h.logger.Error("failed to clear tile cache", "error", err)
		h.writeError(w, http.StatusInternalServerError, "clear_failed", err.Error())
		return
	}
	h.writeJSON(w, map[string]any{"cleared": true})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
