package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/schemasync/internal/cli/ui"
	"github.com/conduit-lang/schemasync/internal/migrate"
)

// NewCleanupCommand creates the cleanup command
func NewCleanupCommand() *cobra.Command {
	var (
		drop bool
		yes  bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup [collection...]",
		Short: "Mark tables of removed collections orphaned, optionally dropping them",
		Long: `Mark every managed table whose collection no definition declares anymore
as orphaned. Orphaned tables keep their data and are re-adopted if the
collection is declared again.

With --drop, orphaned tables are dropped after confirmation. Name
collections to drop only those. --yes skips the prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && !drop {
				return errors.New("collection names are only accepted with --drop")
			}
			return withApp(cmd, func(a *app) error {
				return runCleanup(cmd, a, args, drop, yes)
			})
		},
	}

	cmd.Flags().BoolVar(&drop, "drop", false, "drop orphaned tables (destroys their data)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "drop without asking for confirmation")
	return cmd
}

func runCleanup(cmd *cobra.Command, a *app, names []string, drop, yes bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	plain := noColor(cmd)

	loaded := a.loader.Load(ctx)
	if len(loaded.Errors) > 0 && len(loaded.Modules) == 0 {
		// an unreadable definitions directory would orphan everything
		return fmt.Errorf("refusing to clean up: no definitions could be loaded from %s", a.cfg.Collections.Dir)
	}

	orphaned, err := a.engine.CleanupRemovedCollections(ctx, loaded.ClaimedNames())
	if err != nil {
		return err
	}
	if len(orphaned) == 0 {
		ui.WriteSuccess(out, "No orphaned collections", plain)
		return nil
	}
	fmt.Fprintf(out, "Orphaned: %s\n", strings.Join(orphaned, ", "))
	if !drop {
		fmt.Fprintln(out, "Their tables are kept. Run with --drop to remove them.")
		return nil
	}

	targets, err := dropTargets(orphaned, names, plain, cmd)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Fprintln(out, "Nothing selected.")
		return nil
	}

	if !yes {
		confirmed := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Drop %d table(s) and all their data: %s?", len(targets), strings.Join(targets, ", ")),
			Default: false,
		}
		if err := survey.AskOne(prompt, &confirmed); err != nil {
			return fmt.Errorf("confirmation failed (use --yes in non-interactive shells): %w", err)
		}
		if !confirmed {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	dropped, err := a.engine.DropOrphanedCollections(ctx, targets, migrate.ConfirmDrop)
	for _, name := range dropped {
		ui.WriteSuccess(out, "Dropped "+name, plain)
	}
	return err
}

// dropTargets resolves which orphaned collections to drop: the named ones,
// or a survey selection when interactive, or all of them with --yes
func dropTargets(orphaned, names []string, plain bool, cmd *cobra.Command) ([]string, error) {
	if len(names) > 0 {
		set := make(map[string]bool, len(orphaned))
		for _, name := range orphaned {
			set[name] = true
		}
		for _, name := range names {
			if !set[name] {
				ui.NotFound("orphaned collection", name, orphaned, "", plain).Write(cmd.ErrOrStderr())
				return nil, fmt.Errorf("%s is not orphaned", name)
			}
		}
		return names, nil
	}

	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return orphaned, nil
	}

	var selected []string
	prompt := &survey.MultiSelect{
		Message: "Select tables to drop:",
		Options: orphaned,
	}
	if err := survey.AskOne(prompt, &selected); err != nil {
		return nil, fmt.Errorf("selection failed (use --yes or name collections in non-interactive shells): %w", err)
	}
	return selected, nil
}
