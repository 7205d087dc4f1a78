// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

// Command kiosksyncd runs the kiosk's offline cache daemon: it opens the
// local mirror, starts the background sync against the remote source, and
// serves the operator HTTP surface for status, audits, and repairs.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/geverist/chi-pins-sub000/audit"
	"github.com/geverist/chi-pins-sub000/httpapi"
	"github.com/geverist/chi-pins-sub000/internal/config"
	"github.com/geverist/chi-pins-sub000/localstore"
	"github.com/geverist/chi-pins-sub000/remote"
	"github.com/geverist/chi-pins-sub000/syncsvc"
	"github.com/geverist/chi-pins-sub000/tilecache"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The store handle is created here and passed down; its lifecycle is
	// owned by this entry point, not a lazily-initialized global.
	store := localstore.New(cfg.DatabasePath, logger)
	store.Open(ctx)
	defer store.Close()

	source, err := remote.NewPGSource(ctx, cfg.PostgresURL, nil, logger)
	if err != nil {
		logger.Error("failed to connect to remote source", "error", err)
		os.Exit(1)
	}
	defer source.Close()

	syncConfig := syncsvc.DefaultConfig()
	syncConfig.Interval = time.Duration(cfg.SyncIntervalMinutes) * time.Minute
	syncService := syncsvc.New(store, source, syncConfig, logger)
	syncService.Start(ctx)
	defer syncService.Stop()

	auditEngine := audit.New(store, source, logger)

	tiles := buildTileCache(cfg, logger)

	// Change feed for UI-layer listeners. The sync core polls; this only
	// tells the kiosk UI when to re-render.
	notifier := remote.NewNotifier(source.Pool(), "chi_pins_changes", logger)
	go func() {
		_ = notifier.Listen(ctx, func(ev remote.ChangeEvent) {
			logger.Debug("remote change", "table", ev.Table)
		})
	}()

	handlers := httpapi.New(syncService, auditEngine, tiles, httpapi.NewJWTAuth(cfg.JWTSecret), logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handlers.Routes(),
	}

	go func() {
		logger.Info("admin surface listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

func buildLogger(cfg *config.Config) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	level := slog.LevelInfo
	if cfg.Env == "development" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

func buildTileCache(cfg *config.Config, logger *slog.Logger) *tilecache.Cache {
	store, err := tilecache.NewDiskStore(cfg.TileCacheDir)
	if err != nil {
		// Same degrade contract as the record mirror: fall back to a
		// transient backend rather than refusing to start.
		logger.Warn("tile disk store unavailable, using transient memory store", "error", err)
		return tilecache.New(tilecache.NewMemStore(), nil, logger)
	}
	return tilecache.New(store, nil, logger)
}
