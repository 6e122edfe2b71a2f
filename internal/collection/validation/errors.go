// Package validation checks raw collection definitions and turns the ones
// that pass into typed schema collections.
package validation

import (
	"fmt"
	"strings"
)

// Rule identifies a class of validation rule
type Rule string

const (
	RuleName           Rule = "name"
	RuleFieldType      Rule = "field_type"
	RuleDuplicateField Rule = "duplicate_field"
	RuleRelationship   Rule = "relationship"
	RuleBlocks         Rule = "blocks"
	RuleFieldOptions   Rule = "field_options"
)

// ruleOrder is the order rule classes are applied in
var ruleOrder = []Rule{
	RuleName,
	RuleFieldType,
	RuleDuplicateField,
	RuleRelationship,
	RuleBlocks,
	RuleFieldOptions,
}

// ValidationError describes one rule violation
type ValidationError struct {
	Collection string
	Field      string
	Rule       Rule
	Message    string
	Hint       string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	var b strings.Builder

	if e.Collection != "" {
		b.WriteString(e.Collection)
		if e.Field != "" {
			b.WriteString(".")
			b.WriteString(e.Field)
		}
		b.WriteString(": ")
	}

	b.WriteString(e.Message)

	if e.Hint != "" {
		b.WriteString("\n  hint: ")
		b.WriteString(e.Hint)
	}

	return b.String()
}

// Errors is the accumulated list of violations for one collection
type Errors []*ValidationError

// Error implements the error interface
func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("validation failed with %d error(s):\n%s", len(e), strings.Join(msgs, "\n"))
}

// Has reports whether a violation of the given rule class is present
func (e Errors) Has(rule Rule) bool {
	for _, err := range e {
		if err.Rule == rule {
			return true
		}
	}
	return false
}
