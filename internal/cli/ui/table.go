package ui

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
)

// Table renders rows of cells in aligned columns under a bold header
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	// colorize optionally styles a cell; width is computed on the raw text
	colorize map[int]func(string) string
	noColor  bool
}

// TableOptions configures table behavior
type TableOptions struct {
	NoColor bool
}

// NewTable creates a new table with the given headers
func NewTable(w io.Writer, headers []string, opts *TableOptions) *Table {
	t := &Table{
		writer:   w,
		headers:  headers,
		colorize: make(map[int]func(string) string),
	}
	if opts != nil {
		t.noColor = opts.NoColor
	}
	return t
}

// ColorColumn styles every cell of column i with fn
func (t *Table) ColorColumn(i int, fn func(string) string) {
	t.colorize[i] = fn
}

// AddRow adds a row to the table. Missing cells render empty.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Len returns the number of rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render writes the table
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = width(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && width(cell) > widths[i] {
				widths[i] = width(cell)
			}
		}
	}

	bold := t.style(color.Bold, color.FgCyan)
	for i, header := range t.headers {
		bold.Fprint(t.writer, padRight(header, widths[i]))
		t.gap(i)
	}
	fmt.Fprintln(t.writer)

	gray := t.style(color.FgHiBlack)
	for i, w := range widths {
		gray.Fprint(t.writer, strings.Repeat("─", w))
		t.gap(i)
	}
	fmt.Fprintln(t.writer)

	for _, row := range t.rows {
		var line strings.Builder
		for i := range t.headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			if fn, ok := t.colorize[i]; ok && !t.noColor {
				// pad outside the escape codes so alignment holds
				line.WriteString(fn(cell) + strings.Repeat(" ", widths[i]-width(cell)))
			} else {
				line.WriteString(padRight(cell, widths[i]))
			}
			if i < len(t.headers)-1 {
				line.WriteString("  ")
			}
		}
		fmt.Fprintln(t.writer, strings.TrimRight(line.String(), " "))
	}
}

func (t *Table) gap(i int) {
	if i < len(t.headers)-1 {
		fmt.Fprint(t.writer, "  ")
	}
}

func (t *Table) style(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if t.noColor {
		c.DisableColor()
	}
	return c
}

func width(s string) int {
	return utf8.RuneCountInString(s)
}

func padRight(s string, w int) string {
	if width(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-width(s))
}

// KeyValueTable renders aligned "key: value" lines
type KeyValueTable struct {
	writer  io.Writer
	keys    []string
	values  []string
	noColor bool
}

// NewKeyValueTable creates a new key-value table
func NewKeyValueTable(w io.Writer, noColor bool) *KeyValueTable {
	return &KeyValueTable{writer: w, noColor: noColor}
}

// AddRow adds a key-value pair
func (t *KeyValueTable) AddRow(key, value string) {
	t.keys = append(t.keys, key)
	t.values = append(t.values, value)
}

// Render writes the key-value pairs
func (t *KeyValueTable) Render() {
	maxKey := 0
	for _, k := range t.keys {
		if width(k) > maxKey {
			maxKey = width(k)
		}
	}

	cyan := color.New(color.FgCyan)
	if t.noColor {
		cyan.DisableColor()
	}
	for i, k := range t.keys {
		cyan.Fprint(t.writer, padRight(k+":", maxKey+1))
		fmt.Fprintf(t.writer, " %s\n", t.values[i])
	}
}

// Header renders a styled title with an underline
func Header(w io.Writer, title string, noColor bool) {
	bold := color.New(color.Bold, color.FgCyan)
	gray := color.New(color.FgHiBlack)
	if noColor {
		bold.DisableColor()
		gray.DisableColor()
	}
	bold.Fprintln(w, title)
	gray.Fprintln(w, strings.Repeat("─", width(title)))
}

// StatusColor returns a colorizer for sync and plugin status words
func StatusColor(noColor bool) func(string) string {
	return func(status string) string {
		if noColor {
			return status
		}
		switch status {
		case "created", "altered", "enabled", "managed":
			return color.GreenString(status)
		case "skipped", "disabled", "registered", "orphaned":
			return color.YellowString(status)
		case "failed", "invalid":
			return color.RedString(status)
		}
		return status
	}
}
