package loader

import (
	"fmt"
	"strings"
)

// LoadError is returned when a definition cannot be read or parsed
type LoadError struct {
	Origin     string
	Collection string
	Err        error
}

// Error implements the error interface
func (e *LoadError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("load %s (%s): %v", e.Collection, e.Origin, e.Err)
	}
	return fmt.Sprintf("load %s: %v", e.Origin, e.Err)
}

// Unwrap returns the underlying error
func (e *LoadError) Unwrap() error {
	return e.Err
}

// ConflictError is returned when more than one source declares the same collection
type ConflictError struct {
	Collection string
	Origins    []string
}

// Error implements the error interface
func (e *ConflictError) Error() string {
	return fmt.Sprintf("collection %s is declared by more than one source: %s",
		e.Collection, strings.Join(e.Origins, ", "))
}
