package commands

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/schemasync/internal/server"
	"github.com/conduit-lang/schemasync/internal/watch"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var (
		addr    string
		noWatch bool
		noSync  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync, then serve the admin API, plugin routes and metrics",
		Long: `Run a sync pass, then serve until interrupted:

  GET  /healthz                         liveness
  GET  /metrics                         Prometheus metrics
  POST /api/sync                        run a sync pass
  GET  /api/sync/last                   report of the last pass
  POST /api/cleanup                     mark orphaned tables
  GET  /api/collections                 managed collections
  GET  /api/collections/{name}/history  applied migrations
  GET  /api/plugins                     plugins and their state
  POST /api/plugins/{name}/enable       enable a plugin
  POST /api/plugins/{name}/disable      disable a plugin
  GET  /api/navigation                  admin menu and pages

Every other path is routed to the enabled plugins. Definition files are
watched and re-synced on change unless --no-watch is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				if addr == "" {
					addr = a.cfg.Server.Addr
				}
				return serve(cmd.Context(), a, addr, !noSync, !noWatch)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch definition files")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "skip the startup sync")
	return cmd
}

func serve(ctx context.Context, a *app, addr string, startupSync, watchDefs bool) error {
	runner := server.NewRunner(a.engine, a.logger)
	if startupSync {
		runner.Sync(ctx)
	}

	if watchDefs {
		w, err := watch.New([]string{a.cfg.Collections.Dir}, func(ctx context.Context, files []string) error {
			runner.Sync(ctx)
			return nil
		}, watch.WithLogger(a.logger))
		if err != nil {
			return err
		}
		defer w.Stop()
		if err := w.Start(ctx); err != nil {
			// keep serving without the watcher
			a.logger.Warn("definition watcher disabled", zap.Error(err))
		}
	}

	api := server.NewAPI(runner, a.plugins,
		server.WithMetrics(a.metrics.Handler()),
		server.WithAPILogger(a.logger),
	)
	srv, err := server.New(server.DefaultConfig(addr), api.Handler(), a.logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
