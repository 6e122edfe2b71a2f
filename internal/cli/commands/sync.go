package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/schemasync/internal/cli/ui"
	"github.com/conduit-lang/schemasync/internal/migrate"
	"github.com/conduit-lang/schemasync/internal/server"
	"github.com/conduit-lang/schemasync/internal/watch"
)

// errSyncFailed is returned after a report with failures has been printed
var errSyncFailed = errors.New("sync finished with failures")

// NewSyncCommand creates the sync command
func NewSyncCommand() *cobra.Command {
	var watchDefs bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the database with the collection definitions",
		Long: `Load every collection definition, validate it and create or alter the
backing tables in dependency order. Each collection is applied in its own
transaction; a failure rolls back that collection only.

With --watch, sync runs again whenever a definition file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				runner := server.NewRunner(a.engine, a.logger)
				if watchDefs {
					return watchAndSync(cmd, a, runner)
				}
				return syncOnce(cmd, runner)
			})
		},
	}

	cmd.Flags().BoolVarP(&watchDefs, "watch", "w", false, "re-sync when definition files change")
	return cmd
}

func syncOnce(cmd *cobra.Command, runner *server.Runner) error {
	out := cmd.OutOrStdout()
	plain := noColor(cmd)

	var report *migrate.Report
	run := func() error {
		report = runner.Sync(cmd.Context())
		return nil
	}
	if plain {
		run()
	} else {
		ui.WithSpinner(cmd.ErrOrStderr(), "Syncing collections", plain, run)
	}

	renderReport(out, report, plain)
	if report.Failed() {
		return errSyncFailed
	}
	return nil
}

func watchAndSync(cmd *cobra.Command, a *app, runner *server.Runner) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	plain := noColor(cmd)

	renderReport(out, runner.Sync(ctx), plain)

	w, err := watch.New([]string{a.cfg.Collections.Dir}, func(ctx context.Context, files []string) error {
		fmt.Fprintln(out)
		ui.Header(out, fmt.Sprintf("%d definition file(s) changed", len(files)), plain)
		renderReport(out, runner.Sync(ctx), plain)
		return nil
	}, watch.WithLogger(a.logger))
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	a.logger.Info("watching for definition changes", zap.Strings("dirs", w.WatchList()))
	fmt.Fprintf(out, "\nWatching %s for changes. Press Ctrl+C to stop.\n", a.cfg.Collections.Dir)
	<-ctx.Done()
	return nil
}
