package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Level is the severity of a message
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
)

// Message is a structured CLI message with optional suggestions
//
// Example output:
//
//	❌ COLLECTION NOT FOUND: pots
//	   No managed collection named 'pots'.
//
//	   Did you mean: posts?
//
//	   → See all collections: schemasync collections
type Message struct {
	Level        Level
	Context      string
	Problem      string
	Details      []string
	Suggestions  []string
	HelpCommands []string
	NoColor      bool
}

// Format renders the message
func (m Message) Format() string {
	var b strings.Builder

	var header, body *color.Color
	var symbol string
	switch m.Level {
	case LevelWarning:
		header, body, symbol = color.New(color.FgYellow, color.Bold), color.New(color.FgYellow), "⚠️"
	case LevelInfo:
		header, body, symbol = color.New(color.FgCyan, color.Bold), color.New(color.FgCyan), "ℹ️"
	default:
		header, body, symbol = color.New(color.FgRed, color.Bold), color.New(color.FgRed), "❌"
	}
	hint := color.New(color.FgCyan)
	if m.NoColor {
		header.DisableColor()
		body.DisableColor()
		hint.DisableColor()
	}

	if m.Context != "" {
		header.Fprintf(&b, "%s %s\n", symbol, m.Context)
	} else {
		header.Fprintf(&b, "%s ", symbol)
	}
	if m.Problem != "" {
		if m.Context != "" {
			b.WriteString("   ")
		}
		body.Fprintln(&b, m.Problem)
	}
	for _, d := range m.Details {
		fmt.Fprintf(&b, "   - %s\n", d)
	}

	if len(m.Suggestions) > 0 {
		fmt.Fprintf(&b, "\n   Did you mean: %s?\n", strings.Join(m.Suggestions, ", "))
	}
	if len(m.HelpCommands) > 0 {
		b.WriteString("\n")
		for _, cmd := range m.HelpCommands {
			hint.Fprintf(&b, "   → %s\n", cmd)
		}
	}
	return b.String()
}

// Write writes the formatted message
func (m Message) Write(w io.Writer) {
	fmt.Fprint(w, m.Format())
}

// FormatSuccess creates a success line
func FormatSuccess(message string, noColor bool) string {
	green := color.New(color.FgGreen, color.Bold)
	if noColor {
		green.DisableColor()
	}
	return green.Sprintf("✓ %s", message)
}

// WriteSuccess writes a success line
func WriteSuccess(w io.Writer, message string, noColor bool) {
	fmt.Fprintln(w, FormatSuccess(message, noColor))
}

// WriteWarning writes a warning line
func WriteWarning(w io.Writer, message string, noColor bool) {
	yellow := color.New(color.FgYellow)
	if noColor {
		yellow.DisableColor()
	}
	yellow.Fprintf(w, "⚠️  %s\n", message)
}

// NotFound builds an error for an unknown collection or plugin name,
// suggesting close matches among known
func NotFound(kind, name string, known []string, listCommand string, noColor bool) Message {
	m := Message{
		Level:       LevelError,
		Context:     fmt.Sprintf("%s NOT FOUND: %s", strings.ToUpper(kind), name),
		Problem:     fmt.Sprintf("No %s named '%s'.", kind, name),
		Suggestions: Suggest(name, known),
		NoColor:     noColor,
	}
	if listCommand != "" {
		m.HelpCommands = []string{fmt.Sprintf("See all %ss: %s", kind, listCommand)}
	}
	return m
}
