package commands

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/schemasync/internal/cli/ui"
	"github.com/conduit-lang/schemasync/internal/migrate"
)

func noColor(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("no-color")
	return v
}

// renderReport prints one row per collection in scheduling order followed
// by warnings, errors and a summary line
func renderReport(w io.Writer, r *migrate.Report, plain bool) {
	if r.Err != nil {
		ui.Message{
			Level:   ui.LevelError,
			Context: "SYNC ABORTED",
			Problem: r.Err.Error(),
			NoColor: plain,
		}.Write(w)
		return
	}

	table := ui.NewTable(w, []string{"Collection", "Status", "Version", "Changes"}, &ui.TableOptions{NoColor: plain})
	table.ColorColumn(1, ui.StatusColor(plain))
	for _, name := range reportOrder(r) {
		res := r.Results[name]
		version := ""
		if res.Version > 0 {
			version = strconv.FormatInt(res.Version, 10)
		}
		table.AddRow(name, string(res.Status), version, describeChanges(res))
	}
	if table.Len() > 0 {
		table.Render()
		fmt.Fprintln(w)
	}

	var warnings []string
	warnings = append(warnings, r.Warnings...)
	for _, name := range reportOrder(r) {
		for _, warning := range r.Results[name].Warnings {
			warnings = append(warnings, name+": "+warning)
		}
	}
	for _, warning := range warnings {
		ui.WriteWarning(w, warning, plain)
	}

	var details []string
	for _, name := range r.Names() {
		for _, err := range r.Results[name].Errors {
			details = append(details, fmt.Sprintf("%s: %v", name, err))
		}
	}
	origins := make([]string, 0, len(r.SourceErrors))
	for origin := range r.SourceErrors {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	for _, origin := range origins {
		for _, err := range r.SourceErrors[origin] {
			details = append(details, fmt.Sprintf("%s: %v", origin, err))
		}
	}
	if len(details) > 0 {
		ui.Message{
			Level:   ui.LevelError,
			Context: "SYNC FAILED",
			Problem: "Some collections were not reconciled; their transactions were rolled back.",
			Details: details,
			NoColor: plain,
		}.Write(w)
	}

	if len(r.Orphaned) > 0 {
		ui.Message{
			Level:        ui.LevelInfo,
			Context:      "ORPHANED TABLES",
			Problem:      "No definition declares these managed collections anymore: " + strings.Join(r.Orphaned, ", "),
			HelpCommands: []string{"Mark them orphaned: schemasync cleanup", "Drop them: schemasync cleanup --drop"},
			NoColor:      plain,
		}.Write(w)
	}

	summary := fmt.Sprintf("%s (%s)", r.Summary(), r.Duration.Round(time.Millisecond))
	if r.Failed() {
		fmt.Fprintln(w, summary)
		return
	}
	ui.WriteSuccess(w, summary, plain)
}

// reportOrder lists the scheduled collections first, then any result the
// schedule did not include such as invalid definitions
func reportOrder(r *migrate.Report) []string {
	seen := make(map[string]bool, len(r.Results))
	var out []string
	for _, name := range r.Order {
		if _, ok := r.Results[name]; ok && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range r.Names() {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out
}

func describeChanges(res *migrate.CollectionSyncResult) string {
	var parts []string
	if res.TableCreated {
		parts = append(parts, "table created")
	}
	if len(res.Created) > 0 {
		parts = append(parts, "+"+strings.Join(res.Created, " +"))
	}
	if len(res.Altered) > 0 {
		parts = append(parts, "~"+strings.Join(res.Altered, " ~"))
	}
	if len(res.Dropped) > 0 {
		parts = append(parts, "-"+strings.Join(res.Dropped, " -"))
	}
	if len(res.Orphaned) > 0 {
		parts = append(parts, "orphaned: "+strings.Join(res.Orphaned, ", "))
	}
	return strings.Join(parts, "; ")
}
