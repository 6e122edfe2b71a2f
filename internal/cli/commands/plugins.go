package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/schemasync/internal/cli/ui"
	"github.com/conduit-lang/schemasync/internal/plugin"
)

// NewPluginsCommand creates the plugins command
func NewPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List built-in plugins and their state",
		Long: `List the built-in plugins. Plugins named in plugins.enabled are enabled
at startup; "schemasync serve" also enables and disables them at runtime
through its API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return listPlugins(cmd, a)
			})
		},
	}

	cmd.AddCommand(newPluginsValidateCommand())
	return cmd
}

func listPlugins(cmd *cobra.Command, a *app) error {
	out := cmd.OutOrStdout()
	plain := noColor(cmd)

	infos := a.plugins.Registry().List()
	table := ui.NewTable(out, []string{"Plugin", "Version", "Status", "Depends on", "Collections"}, &ui.TableOptions{NoColor: plain})
	table.ColorColumn(2, ui.StatusColor(plain))
	for _, info := range infos {
		table.AddRow(info.Name, info.Version, string(info.Status),
			strings.Join(info.Dependencies, ", "), strings.Join(info.Collections, ", "))
	}
	table.Render()

	for _, info := range infos {
		if info.Status != plugin.StatusFailed {
			continue
		}
		ui.Message{
			Level:   ui.LevelWarning,
			Context: "PLUGIN FAILED: " + info.Name,
			Details: info.FailureReasons,
			NoColor: plain,
		}.Write(out)
	}
	return nil
}

func newPluginsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plugin>",
		Short: "Check a plugin without enabling it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return validatePlugin(cmd, a, args[0])
			})
		},
	}
}

func validatePlugin(cmd *cobra.Command, a *app, name string) error {
	out := cmd.OutOrStdout()
	plain := noColor(cmd)

	reasons, err := a.plugins.Validate(cmd.Context(), name)
	if err != nil {
		var known []string
		for _, info := range a.plugins.Registry().List() {
			known = append(known, info.Name)
		}
		ui.NotFound("plugin", name, known, "schemasync plugins", plain).Write(cmd.ErrOrStderr())
		return err
	}
	if len(reasons) > 0 {
		ui.Message{
			Level:   ui.LevelError,
			Context: "PLUGIN INVALID: " + name,
			Details: reasons,
			NoColor: plain,
		}.Write(out)
		return fmt.Errorf("plugin %s has %d problem(s)", name, len(reasons))
	}
	ui.WriteSuccess(out, fmt.Sprintf("Plugin %s is valid", name), plain)
	return nil
}
