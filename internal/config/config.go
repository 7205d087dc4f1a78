// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads daemon configuration from an optional YAML file
// merged with environment variables. Environment variables take
// precedence over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all settings for the kiosk sync daemon.
type Config struct {
	// Local store
	DatabasePath string `koanf:"database_path"`

	// Remote source of truth
	PostgresURL string `koanf:"postgres_url"`

	// Sync cadence
	SyncIntervalMinutes int `koanf:"sync_interval_minutes"`

	// Admin HTTP surface
	HTTPPort  int    `koanf:"http_port"`
	JWTSecret string `koanf:"jwt_secret"`

	// Tile cache
	TileCacheDir string `koanf:"tile_cache_dir"`

	// Logging
	LogFile string `koanf:"log_file"`
	Env     string `koanf:"env"`
}

// Validation errors.
var (
	ErrMissingPostgresURL = errors.New("POSTGRES_URL is required")
	ErrMissingJWTSecret   = errors.New("JWT_SECRET is required")
	ErrInvalidInterval    = errors.New("SYNC_INTERVAL_MINUTES must be a positive integer")
)

// Defaults for non-secret settings.
const (
	DefaultDatabasePath = "chi-pins.db"
	DefaultSyncInterval = 5
	DefaultHTTPPort     = 8090
	DefaultTileCacheDir = "tile-cache"
	DefaultEnv          = "production"
)

// Load reads configuration from an optional YAML file and the
// environment. Returns the config and any validation errors.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var errs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	cfg := &Config{
		DatabasePath:        stringOr(k, "database_path", "CHIPINS_DATABASE_PATH", DefaultDatabasePath),
		PostgresURL:         stringOr(k, "postgres_url", "POSTGRES_URL", ""),
		SyncIntervalMinutes: DefaultSyncInterval,
		HTTPPort:            DefaultHTTPPort,
		JWTSecret:           stringOr(k, "jwt_secret", "JWT_SECRET", ""),
		TileCacheDir:        stringOr(k, "tile_cache_dir", "CHIPINS_TILE_CACHE_DIR", DefaultTileCacheDir),
		LogFile:             stringOr(k, "log_file", "CHIPINS_LOG_FILE", ""),
		Env:                 stringOr(k, "env", "CHIPINS_ENV", DefaultEnv),
	}

	interval, err := intOr(k, "sync_interval_minutes", "SYNC_INTERVAL_MINUTES", DefaultSyncInterval)
	if err != nil || interval <= 0 {
		errs = append(errs, ErrInvalidInterval)
	} else {
		cfg.SyncIntervalMinutes = interval
	}

	port, err := intOr(k, "http_port", "CHIPINS_HTTP_PORT", DefaultHTTPPort)
	if err != nil {
		errs = append(errs, fmt.Errorf("CHIPINS_HTTP_PORT must be a valid integer: %w", err))
	} else {
		cfg.HTTPPort = port
	}

	if cfg.PostgresURL == "" {
		errs = append(errs, ErrMissingPostgresURL)
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}

	return cfg, errs
}

func stringOr(k *koanf.Koanf, key, envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if k.Exists(key) {
		return k.String(key)
	}
	return fallback
}

func intOr(k *koanf.Koanf, key, envVar string, fallback int) (int, error) {
	if v := os.Getenv(envVar); v != "" {
		return strconv.Atoi(v)
	}
	if k.Exists(key) {
		return k.Int(key), nil
	}
	return fallback, nil
}
