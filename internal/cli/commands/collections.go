package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/schemasync/internal/cli/ui"
)

// NewCollectionsCommand creates the collections command
func NewCollectionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "collections",
		Aliases: []string{"ls"},
		Short:   "List the collections schemasync manages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return listCollections(cmd, a)
			})
		},
	}

	cmd.AddCommand(newCollectionsHistoryCommand())
	return cmd
}

func listCollections(cmd *cobra.Command, a *app) error {
	out := cmd.OutOrStdout()
	plain := noColor(cmd)

	rows, err := a.engine.TrackedCollections(cmd.Context())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No managed collections. Run: schemasync sync")
		return nil
	}

	table := ui.NewTable(out, []string{"Collection", "Table", "Status", "Fingerprint", "Updated"}, &ui.TableOptions{NoColor: plain})
	table.ColorColumn(2, ui.StatusColor(plain))
	for _, row := range rows {
		table.AddRow(row.Name, row.Table, string(row.Status), shortFingerprint(row.Fingerprint), row.UpdatedAt.Local().Format(time.DateTime))
	}
	table.Render()
	return nil
}

func newCollectionsHistoryCommand() *cobra.Command {
	var showSQL bool

	cmd := &cobra.Command{
		Use:   "history [collection]",
		Short: "Show applied migrations, for one collection or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return withApp(cmd, func(a *app) error {
				return showHistory(cmd, a, name, showSQL)
			})
		},
	}

	cmd.Flags().BoolVar(&showSQL, "sql", false, "print the applied statements")
	return cmd
}

func showHistory(cmd *cobra.Command, a *app, name string, showSQL bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	plain := noColor(cmd)

	migrations, err := a.engine.History(ctx, name)
	if err != nil {
		return err
	}
	if len(migrations) == 0 {
		if name == "" {
			fmt.Fprintln(out, "No migrations recorded yet.")
			return nil
		}
		rows, err := a.engine.TrackedCollections(ctx)
		if err != nil {
			return err
		}
		known := make([]string, len(rows))
		for i, row := range rows {
			known[i] = row.Name
		}
		ui.NotFound("collection", name, known, "schemasync collections", plain).Write(cmd.ErrOrStderr())
		return fmt.Errorf("no migrations recorded for %s", name)
	}

	table := ui.NewTable(out, []string{"Collection", "Version", "Applied", "Statements", "Run"}, &ui.TableOptions{NoColor: plain})
	for _, m := range migrations {
		table.AddRow(m.Collection, strconv.FormatInt(m.Version, 10), m.AppliedAt.Local().Format(time.DateTime),
			strconv.Itoa(len(m.Statements)), shortRunID(m.RunID))
	}
	table.Render()

	if showSQL {
		for _, m := range migrations {
			if len(m.Statements) == 0 {
				continue
			}
			fmt.Fprintln(out)
			ui.Header(out, fmt.Sprintf("%s v%d", m.Collection, m.Version), plain)
			fmt.Fprintln(out, strings.Join(m.Statements, ";\n")+";")
		}
	}
	return nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
