package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/conduit-lang/schemasync/internal/cache"
	"github.com/conduit-lang/schemasync/internal/migrate"
	"github.com/conduit-lang/schemasync/internal/store"
)

// FileName is the config file name searched for without extension
const FileName = "schemasync"

// EnvPrefix prefixes every environment override, e.g. SCHEMASYNC_DATABASE_URL
const EnvPrefix = "SCHEMASYNC"

// Config represents the schemasync configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Collections CollectionsConfig `mapstructure:"collections"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Plugins     PluginsConfig     `mapstructure:"plugins"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

// CollectionsConfig locates collection definition files
type CollectionsConfig struct {
	Dir string `mapstructure:"dir"`
}

// CacheConfig selects and configures the snapshot cache
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig represents redis connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SyncConfig controls the sync engine
type SyncConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	MaxRetries          int           `mapstructure:"max_retries"`
	InitialBackoff      time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
	AllowDestructive    bool          `mapstructure:"allow_destructive"`
	DropOrphanedColumns bool          `mapstructure:"drop_orphaned_columns"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PluginsConfig lists the plugins enabled at startup
type PluginsConfig struct {
	Enabled []string `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "schemasync.db")
	v.SetDefault("collections.dir", "collections")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", migrate.DefaultCacheTTL)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("sync.concurrency", migrate.DefaultConcurrency)
	v.SetDefault("sync.max_retries", store.DefaultMaxRetries)
	v.SetDefault("sync.initial_backoff", store.DefaultInitialBackoff)
	v.SetDefault("sync.max_backoff", store.DefaultMaxBackoff)
	v.SetDefault("sync.allow_destructive", false)
	v.SetDefault("sync.drop_orphaned_columns", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("plugins.enabled", []string{})
}

// Load reads schemasync.yaml from the current directory, or the file at path
// when set, then applies SCHEMASYNC_* environment overrides. A missing
// default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := store.DialectFor(c.Database.Driver); err != nil {
		return fmt.Errorf("database.driver: %w", err)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url must be set")
	}
	switch c.Cache.Backend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("cache.backend must be memory, redis or none, got: %s", c.Cache.Backend)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got: %d", c.Sync.Concurrency)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative, got: %d", c.Sync.MaxRetries)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got: %s", c.Log.Format)
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// SyncOptions converts the sync settings into engine options
func (c *Config) SyncOptions() migrate.Options {
	return migrate.Options{
		Concurrency:         c.Sync.Concurrency,
		AllowDestructive:    c.Sync.AllowDestructive,
		DropOrphanedColumns: c.Sync.DropOrphanedColumns,
		Retry: store.RetryPolicy{
			MaxRetries:     c.Sync.MaxRetries,
			InitialBackoff: c.Sync.InitialBackoff,
			MaxBackoff:     c.Sync.MaxBackoff,
		},
		CacheTTL: c.Cache.TTL,
	}
}

// RedisCacheConfig converts the redis settings into cache configuration
func (c *Config) RedisCacheConfig() cache.RedisConfig {
	cfg := cache.DefaultRedisConfig()
	cfg.Addr = c.Cache.Redis.Addr
	cfg.Password = c.Cache.Redis.Password
	cfg.DB = c.Cache.Redis.DB
	cfg.Cache.DefaultTTL = c.Cache.TTL
	return cfg
}

// NewLogger builds the process logger: human-readable console output or
// JSON for log collectors
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewDevelopmentConfig()
	if c.Log.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}
