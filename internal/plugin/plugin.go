// Package plugin holds plugin definitions and drives their lifecycle:
// registration, dependency-ordered enabling and atomic disabling.
package plugin

import (
	"net/http"

	"github.com/conduit-lang/schemasync/internal/collection/loader"
	"github.com/conduit-lang/schemasync/internal/hooks"
)

// Status is the lifecycle state of a plugin
type Status string

const (
	StatusRegistered Status = "registered"
	StatusEnabled    Status = "enabled"
	StatusDisabled   Status = "disabled"
	StatusFailed     Status = "failed"
)

// Middleware wraps the handlers of every route while the plugin is enabled
type Middleware func(http.Handler) http.Handler

// Route is an HTTP endpoint contributed by a plugin
type Route struct {
	Method  string
	Pattern string // /plugins/audit/{id}
	Handler http.HandlerFunc
	Name    string
}

// AdminPage is an admin screen contributed by a plugin
type AdminPage struct {
	Path  string `json:"path"`
	Title string `json:"title"`
}

// MenuItem is an admin navigation entry
type MenuItem struct {
	Label string `json:"label"`
	Path  string `json:"path"`
	Icon  string `json:"icon,omitempty"`
	Order int    `json:"order"`
}

// HookBinding attaches a handler to a named hook
type HookBinding struct {
	Hook    string
	Handler hooks.Handler
	// Parallel declares a plugin-defined hook as safe for concurrent dispatch
	Parallel bool
}

// Plugin is the immutable definition of a plugin. Its lifecycle state is
// held by the Registry.
type Plugin struct {
	Name        string
	Version     string
	Description string

	// Dependencies names plugins that must be enabled first
	Dependencies []string

	Routes      []Route
	AdminPages  []AdminPage
	MenuItems   []MenuItem
	Middleware  []Middleware
	Collections []*loader.Definition
	Hooks       []HookBinding
}

// Info is a snapshot of a registered plugin and its state
type Info struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Status       Status   `json:"status"`
	// FailureReasons is set when Status is failed
	FailureReasons []string `json:"failure_reasons,omitempty"`
	Collections    []string `json:"collections,omitempty"`
}

// SourceName is the loader source a plugin's collections are added as
func SourceName(plugin string) string {
	return "plugin:" + plugin
}
