// Package schema provides the typed model for content collections.
// A Collection is produced by the validator from a raw definition and is
// treated as immutable by the rest of the sync pipeline.
package schema

import (
	"fmt"
	"sort"
)

// FieldType is the closed set of field types a collection may declare
type FieldType int

const (
	// Text types
	TypeString FieldType = iota
	TypeText
	TypeRichText

	// Numeric types
	TypeNumber
	TypeInteger

	// Boolean
	TypeBoolean

	// Time types
	TypeDate
	TypeDateTime

	// Validated text types
	TypeEmail
	TypeURL
	TypeSelect

	// Structured types
	TypeJSON
	TypeMedia
	TypeReference
	TypeBlocks
)

var fieldTypeNames = map[FieldType]string{
	TypeString:    "string",
	TypeText:      "text",
	TypeRichText:  "richtext",
	TypeNumber:    "number",
	TypeInteger:   "integer",
	TypeBoolean:   "boolean",
	TypeDate:      "date",
	TypeDateTime:  "datetime",
	TypeEmail:     "email",
	TypeURL:       "url",
	TypeSelect:    "select",
	TypeJSON:      "json",
	TypeMedia:     "media",
	TypeReference: "reference",
	TypeBlocks:    "blocks",
}

// String returns the string representation of the field type
func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseFieldType converts a string to a FieldType
func ParseFieldType(s string) (FieldType, error) {
	for t, name := range fieldTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown field type: %s", s)
}

// FieldTypeNames returns every recognized field type name in sorted order
func FieldTypeNames() []string {
	names := make([]string, 0, len(fieldTypeNames))
	for _, name := range fieldTypeNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsNumeric returns true if the type is a numeric type
func (t FieldType) IsNumeric() bool {
	return t == TypeNumber || t == TypeInteger
}

// IsText returns true if values of the type are stored as plain text
func (t FieldType) IsText() bool {
	switch t {
	case TypeString, TypeText, TypeRichText, TypeEmail, TypeURL, TypeSelect:
		return true
	}
	return false
}

// IsStructured returns true if values of the type are stored as JSON documents
func (t FieldType) IsStructured() bool {
	return t == TypeJSON || t == TypeMedia || t == TypeBlocks
}

// Constraints holds the validation constraints of a field
type Constraints struct {
	MinLength *int
	MaxLength *int
	Min       *float64
	Max       *float64
	Pattern   string
}

// Field represents a field in a collection
type Field struct {
	Name        string
	Label       string
	Type        FieldType
	Required    bool
	Unique      bool
	Default     interface{}
	Constraints Constraints

	// Options lists the allowed values of a select field
	Options []string

	// Target is the referenced collection of a reference field
	Target string

	// Blocks lists the block definitions a blocks field accepts.
	// Empty means every block of the collection is accepted.
	Blocks []string
}

// BlockDefinition describes a nested structured content block
type BlockDefinition struct {
	Name   string
	Label  string
	Fields []*Field
}

// Cardinality is the cardinality of a relationship
type Cardinality int

const (
	CardinalityOne Cardinality = iota
	CardinalityMany
)

// String returns the string representation of the cardinality
func (c Cardinality) String() string {
	switch c {
	case CardinalityOne:
		return "one"
	case CardinalityMany:
		return "many"
	default:
		return "unknown"
	}
}

// ParseCardinality converts a string to a Cardinality
func ParseCardinality(s string) (Cardinality, error) {
	switch s {
	case "one", "":
		return CardinalityOne, nil
	case "many":
		return CardinalityMany, nil
	default:
		return 0, fmt.Errorf("unknown cardinality: %s", s)
	}
}

// Relationship is a named reference to another collection
type Relationship struct {
	Name        string
	Target      string
	Cardinality Cardinality
	Required    bool
}

// ColumnName returns the backing column of the relationship
func (r *Relationship) ColumnName() string {
	if r.Cardinality == CardinalityMany {
		return r.Name + "_ids"
	}
	return r.Name + "_id"
}

// Collection is the validated schema of a collection
type Collection struct {
	Name          string
	Label         string
	Description   string
	Origin        string
	Fields        []*Field
	Blocks        []*BlockDefinition
	Relationships []*Relationship
}

// TableName returns the backing table of the collection
func (c *Collection) TableName() string {
	return c.Name
}

// Field returns the field with the given name
func (c *Collection) Field(name string) (*Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Block returns the block definition with the given name
func (c *Collection) Block(name string) (*BlockDefinition, bool) {
	for _, b := range c.Blocks {
		if b.Name == name {
			return b, true
		}
	}
	return nil, false
}

// Dependencies returns the names of the collections this collection references,
// excluding itself, sorted and deduplicated
func (c *Collection) Dependencies() []string {
	seen := make(map[string]bool)
	for _, f := range c.Fields {
		if f.Type == TypeReference && f.Target != "" && f.Target != c.Name {
			seen[f.Target] = true
		}
	}
	for _, r := range c.Relationships {
		if r.Target != c.Name {
			seen[r.Target] = true
		}
	}

	deps := make([]string, 0, len(seen))
	for name := range seen {
		deps = append(deps, name)
	}
	sort.Strings(deps)
	return deps
}

// System columns present on every managed table
const (
	ColumnID        = "id"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
)

// IsSystemColumn reports whether name is one of the columns the engine adds
// to every table
func IsSystemColumn(name string) bool {
	return name == ColumnID || name == ColumnCreatedAt || name == ColumnUpdatedAt
}
