package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned for names the registry does not hold
var ErrNotFound = errors.New("plugin not found")

// DuplicateNameError is returned when registering a name twice
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("plugin %q is already registered", e.Name)
}

// DependencyError is returned when enabling a plugin whose dependencies are
// not enabled
type DependencyError struct {
	Plugin  string
	Missing []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("plugin %s requires %s to be enabled first", e.Plugin, strings.Join(e.Missing, ", "))
}

// DependentsError is returned when disabling a plugin other enabled plugins
// depend on
type DependentsError struct {
	Plugin     string
	Dependents []string
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("plugin %s is required by enabled plugin(s) %s", e.Plugin, strings.Join(e.Dependents, ", "))
}

// PluginValidationError is returned when a plugin fails validation. The
// plugin moves to the failed status with the same reasons.
type PluginValidationError struct {
	Plugin  string
	Reasons []string
}

func (e *PluginValidationError) Error() string {
	return fmt.Sprintf("plugin %s is invalid:\n  %s", e.Plugin, strings.Join(e.Reasons, "\n  "))
}
