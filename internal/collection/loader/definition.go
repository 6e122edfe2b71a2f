// Package loader discovers collection definitions from sources and turns them
// into raw modules for validation.
package loader

// Definition is the raw, unvalidated document describing a collection
type Definition struct {
	Name          string                   `yaml:"name" json:"name"`
	Label         string                   `yaml:"label,omitempty" json:"label,omitempty"`
	Description   string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Fields        []FieldDefinition        `yaml:"fields" json:"fields"`
	Blocks        []BlockDefinition        `yaml:"blocks,omitempty" json:"blocks,omitempty"`
	Relationships []RelationshipDefinition `yaml:"relationships,omitempty" json:"relationships,omitempty"`
}

// FieldDefinition is the raw form of a field
type FieldDefinition struct {
	Name      string      `yaml:"name" json:"name"`
	Label     string      `yaml:"label,omitempty" json:"label,omitempty"`
	Type      string      `yaml:"type" json:"type"`
	Required  bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Unique    bool        `yaml:"unique,omitempty" json:"unique,omitempty"`
	Default   interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Options   []string    `yaml:"options,omitempty" json:"options,omitempty"`
	Target    string      `yaml:"target,omitempty" json:"target,omitempty"`
	Blocks    []string    `yaml:"blocks,omitempty" json:"blocks,omitempty"`
	MinLength *int        `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength *int        `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Min       *float64    `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64    `yaml:"max,omitempty" json:"max,omitempty"`
	Pattern   string      `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// BlockDefinition is the raw form of a content block
type BlockDefinition struct {
	Name   string            `yaml:"name" json:"name"`
	Label  string            `yaml:"label,omitempty" json:"label,omitempty"`
	Fields []FieldDefinition `yaml:"fields" json:"fields"`
}

// RelationshipDefinition is the raw form of a relationship
type RelationshipDefinition struct {
	Name        string `yaml:"name" json:"name"`
	Target      string `yaml:"target" json:"target"`
	Cardinality string `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// Module is a loaded collection definition awaiting validation
type Module struct {
	Name       string
	Origin     string
	Definition *Definition
}
