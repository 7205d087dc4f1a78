package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_URL", "postgres://kiosk:pw@localhost:5432/chipins")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, errs := Load("")
	require.Empty(t, errs)
	require.Equal(t, DefaultDatabasePath, cfg.DatabasePath)
	require.Equal(t, DefaultSyncInterval, cfg.SyncIntervalMinutes)
	require.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	require.Equal(t, DefaultTileCacheDir, cfg.TileCacheDir)
	require.Equal(t, DefaultEnv, cfg.Env)
	require.Empty(t, cfg.LogFile)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("POSTGRES_URL", "")
	t.Setenv("JWT_SECRET", "")

	_, errs := Load("")
	require.Contains(t, errs, ErrMissingPostgresURL)
	require.Contains(t, errs, ErrMissingJWTSecret)
}

func TestLoadFromYAMLFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_path: /var/lib/chipins/cache.db
sync_interval_minutes: 10
http_port: 9000
tile_cache_dir: /var/cache/tiles
env: development
`), 0o644))

	cfg, errs := Load(path)
	require.Empty(t, errs)
	require.Equal(t, "/var/lib/chipins/cache.db", cfg.DatabasePath)
	require.Equal(t, 10, cfg.SyncIntervalMinutes)
	require.Equal(t, 9000, cfg.HTTPPort)
	require.Equal(t, "/var/cache/tiles", cfg.TileCacheDir)
	require.Equal(t, "development", cfg.Env)
}

func TestEnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNC_INTERVAL_MINUTES", "30")
	t.Setenv("CHIPINS_DATABASE_PATH", "/tmp/override.db")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_path: /var/lib/chipins/cache.db
sync_interval_minutes: 10
`), 0o644))

	cfg, errs := Load(path)
	require.Empty(t, errs)
	require.Equal(t, 30, cfg.SyncIntervalMinutes)
	require.Equal(t, "/tmp/override.db", cfg.DatabasePath)
}

func TestLoadRejectsInvalidInterval(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNC_INTERVAL_MINUTES", "zero")

	cfg, errs := Load("")
	require.Contains(t, errs, ErrInvalidInterval)
	// The invalid value falls back to the default rather than zeroing out.
	require.Equal(t, DefaultSyncInterval, cfg.SyncIntervalMinutes)

	t.Setenv("SYNC_INTERVAL_MINUTES", "-5")
	cfg, errs = Load("")
	require.Contains(t, errs, ErrInvalidInterval)
	require.Equal(t, DefaultSyncInterval, cfg.SyncIntervalMinutes)
}

func TestLoadMissingFileFails(t *testing.T) {
	setRequiredEnv(t)

	cfg, errs := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Nil(t, cfg)
	require.Len(t, errs, 1)
}
