package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "schemasync.db", cfg.Database.URL)
	assert.Equal(t, "collections", cfg.Collections.Dir)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 4, cfg.Sync.Concurrency)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.False(t, cfg.Sync.AllowDestructive)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Empty(t, cfg.Plugins.Enabled)

	opts := cfg.SyncOptions()
	assert.Equal(t, 4, opts.Concurrency)
	assert.Equal(t, 100*time.Millisecond, opts.Retry.InitialBackoff)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	content := `
database:
  driver: pgx
  url: postgres://localhost/app
cache:
  backend: redis
  ttl: 30s
  redis:
    addr: cache:6379
    db: 2
sync:
  concurrency: 8
  initial_backoff: 50ms
  allow_destructive: true
log:
  format: json
  level: debug
plugins:
  enabled: [audit]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemasync.yaml"), []byte(content), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/app", cfg.Database.URL)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 8, cfg.Sync.Concurrency)
	assert.Equal(t, 50*time.Millisecond, cfg.Sync.InitialBackoff)
	assert.True(t, cfg.SyncOptions().AllowDestructive)
	assert.Equal(t, []string{"audit"}, cfg.Plugins.Enabled)

	redis := cfg.RedisCacheConfig()
	assert.Equal(t, "cache:6379", redis.Addr)
	assert.Equal(t, 2, redis.DB)
	assert.Equal(t, 30*time.Second, redis.Cache.DefaultTTL)

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestLoad_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	chdir(t, t.TempDir())

	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: 127.0.0.1:9000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SCHEMASYNC_SYNC_CONCURRENCY", "2")
	t.Setenv("SCHEMASYNC_CACHE_BACKEND", "none")
	t.Setenv("DATABASE_URL", "file:test.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Sync.Concurrency)
	assert.Equal(t, "none", cfg.Cache.Backend)
	assert.Equal(t, "file:test.db", cfg.Database.URL)

	t.Setenv("SCHEMASYNC_DATABASE_URL", "file:preferred.db")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "file:preferred.db", cfg.Database.URL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"empty url", func(c *Config) { c.Database.URL = "" }, "database.url"},
		{"unknown cache", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"zero concurrency", func(c *Config) { c.Sync.Concurrency = 0 }, "sync.concurrency"},
		{"negative retries", func(c *Config) { c.Sync.MaxRetries = -1 }, "sync.max_retries"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			cfg, err := Load("")
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
