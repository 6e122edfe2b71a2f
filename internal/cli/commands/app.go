package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/conduit-lang/schemasync/internal/cache"
	"github.com/conduit-lang/schemasync/internal/cli/config"
	"github.com/conduit-lang/schemasync/internal/collection/loader"
	"github.com/conduit-lang/schemasync/internal/hooks"
	"github.com/conduit-lang/schemasync/internal/metrics"
	"github.com/conduit-lang/schemasync/internal/migrate"
	"github.com/conduit-lang/schemasync/internal/plugin"
	"github.com/conduit-lang/schemasync/internal/plugin/audit"
	"github.com/conduit-lang/schemasync/internal/store"
)

// app wires the components every command works with
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.SQLStore
	cache   cache.Cache
	metrics *metrics.Collector
	hooks   *hooks.HookSystem
	loader  *loader.Loader
	plugins *plugin.Manager
	engine  *migrate.Engine
	audit   *audit.Log

	closers []io.Closer
}

// newApp loads configuration and connects to the database and cache.
// Plugins listed in plugins.enabled are enabled before it returns.
func newApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	a.store, err = store.Open(ctx, cfg.Database.Driver, cfg.Database.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Database.Driver, err)
	}
	a.closers = append(a.closers, a.store)

	if err := a.openCache(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.hooks = hooks.New(hooks.WithLogger(logger), hooks.WithObserver(a.metrics))
	a.loader = loader.NewLoader(logger, loader.NewDirSource(cfg.Collections.Dir))

	registry := plugin.NewRegistry(logger)
	a.audit = audit.NewLog(audit.DefaultCapacity)
	if err := registry.Register(audit.New(a.audit, logger)); err != nil {
		a.Close()
		return nil, err
	}
	a.plugins = plugin.NewManager(registry, a.hooks, a.loader,
		plugin.WithLogger(logger),
		plugin.WithRecorder(a.metrics),
	)

	opts := []migrate.EngineOption{
		migrate.WithLoader(a.loader),
		migrate.WithHooks(a.hooks),
		migrate.WithRecorder(a.metrics),
		migrate.WithLogger(logger),
		migrate.WithOptions(cfg.SyncOptions()),
	}
	if a.cache != nil {
		opts = append(opts, migrate.WithCache(a.cache))
	}
	a.engine = migrate.NewEngine(a.store, opts...)

	if err := a.plugins.EnableOnly(ctx, cfg.Plugins.Enabled); err != nil {
		// a plugin that cannot be enabled is reported, not fatal
		logger.Warn("some plugins could not be enabled", zap.Error(err))
	}
	return a, nil
}

func (a *app) openCache(ctx context.Context) error {
	switch a.cfg.Cache.Backend {
	case "memory":
		mc := cache.NewMemoryCacheWithConfig(cache.Config{DefaultTTL: a.cfg.Cache.TTL, Prefix: cache.DefaultConfig().Prefix})
		a.cache = mc
		a.closers = append(a.closers, mc)
	case "redis":
		rc, err := cache.NewRedisCache(ctx, a.cfg.RedisCacheConfig())
		if err != nil {
			// the cache is advisory; run without it
			a.logger.Warn("redis cache unavailable, continuing without cache",
				zap.String("addr", a.cfg.Cache.Redis.Addr), zap.Error(err))
			return nil
		}
		a.cache = rc
		a.closers = append(a.closers, rc)
	}
	return nil
}

// Close releases the cache and database, newest first
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i].Close())
	}
	a.logger.Sync()
	return err
}

// withApp runs fn with a wired app and closes it afterwards
func withApp(cmd *cobra.Command, fn func(a *app) error) (err error) {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Close())
	}()
	return fn(a)
}
