package commands

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/schemasync/internal/cli/ui"
	"github.com/conduit-lang/schemasync/internal/migrate"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Compare collection definitions with the database",
		Long: `Compare the loaded collection definitions with the tables schemasync
manages. Nothing is changed; run "schemasync sync" to apply pending work.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return runStatus(cmd, a)
			})
		},
	}
}

func runStatus(cmd *cobra.Command, a *app) error {
	out := cmd.OutOrStdout()
	plain := noColor(cmd)

	statuses, err := a.engine.Status(cmd.Context())
	if err != nil {
		return err
	}

	counts := make(map[migrate.State]int)
	for _, st := range statuses {
		counts[st.State]++
	}

	kv := ui.NewKeyValueTable(out, plain)
	kv.AddRow("Database", a.cfg.Database.Driver)
	kv.AddRow("Definitions", a.cfg.Collections.Dir)
	kv.AddRow("Cache", a.cfg.Cache.Backend)
	kv.AddRow("Plugins enabled", strconv.Itoa(len(a.plugins.Registry().Enabled())))
	kv.Render()
	fmt.Fprintln(out)

	if len(statuses) == 0 {
		fmt.Fprintln(out, "No collections declared or managed.")
		return nil
	}

	table := ui.NewTable(out, []string{"Collection", "State", "Table", "Version"}, &ui.TableOptions{NoColor: plain})
	table.ColorColumn(1, stateColor(plain))
	for _, st := range statuses {
		version := ""
		if st.Version > 0 {
			version = strconv.FormatInt(st.Version, 10)
		}
		table.AddRow(st.Name, string(st.State), st.Table, version)
	}
	table.Render()
	fmt.Fprintln(out)

	for _, st := range statuses {
		for _, err := range st.Errors {
			ui.WriteWarning(out, fmt.Sprintf("%s: %v", st.Name, err), plain)
		}
	}

	pending := counts[migrate.StateNew] + counts[migrate.StatePending]
	switch {
	case counts[migrate.StateInvalid] > 0:
		fmt.Fprintf(out, "%d invalid definition(s) must be fixed before they can sync.\n", counts[migrate.StateInvalid])
	case pending > 0:
		fmt.Fprintf(out, "%d collection(s) pending. Run: schemasync sync\n", pending)
	default:
		ui.WriteSuccess(out, "Database matches every definition", plain)
	}
	if n := counts[migrate.StateUndeclared]; n > 0 {
		fmt.Fprintf(out, "%d managed collection(s) no longer declared. Run: schemasync cleanup\n", n)
	}
	return nil
}

func stateColor(plain bool) func(string) string {
	return func(s string) string {
		if plain {
			return s
		}
		switch migrate.State(s) {
		case migrate.StateInSync:
			return color.GreenString(s)
		case migrate.StateInvalid:
			return color.RedString(s)
		case migrate.StateNew, migrate.StatePending, migrate.StateUndeclared, migrate.StateOrphaned:
			return color.YellowString(s)
		}
		return s
	}
}
