package schema

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

type fingerprintField struct {
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Required  bool        `json:"required,omitempty"`
	Unique    bool        `json:"unique,omitempty"`
	Default   interface{} `json:"default,omitempty"`
	Options   []string    `json:"options,omitempty"`
	Target    string      `json:"target,omitempty"`
	Blocks    []string    `json:"blocks,omitempty"`
	MinLength *int        `json:"min_length,omitempty"`
	MaxLength *int        `json:"max_length,omitempty"`
	Min       *float64    `json:"min,omitempty"`
	Max       *float64    `json:"max,omitempty"`
	Pattern   string      `json:"pattern,omitempty"`
}

type fingerprintBlock struct {
	Name   string             `json:"name"`
	Fields []fingerprintField `json:"fields"`
}

type fingerprintRelationship struct {
	Name        string `json:"name"`
	Target      string `json:"target"`
	Cardinality string `json:"cardinality"`
	Required    bool   `json:"required,omitempty"`
}

type fingerprintDoc struct {
	Name          string                    `json:"name"`
	Fields        []fingerprintField        `json:"fields"`
	Blocks        []fingerprintBlock        `json:"blocks,omitempty"`
	Relationships []fingerprintRelationship `json:"relationships,omitempty"`
}

// Fingerprint returns a deterministic hash of the collection's declared
// structure. Labels, descriptions and the origin do not contribute.
func Fingerprint(c *Collection) (string, error) {
	doc := fingerprintDoc{
		Name:   c.Name,
		Fields: fingerprintFields(c.Fields),
	}
	for _, b := range c.Blocks {
		doc.Blocks = append(doc.Blocks, fingerprintBlock{
			Name:   b.Name,
			Fields: fingerprintFields(b.Fields),
		})
	}
	for _, r := range c.Relationships {
		doc.Relationships = append(doc.Relationships, fingerprintRelationship{
			Name:        r.Name,
			Target:      r.Target,
			Cardinality: r.Cardinality.String(),
			Required:    r.Required,
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding collection %s: %w", c.Name, err)
	}

	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func fingerprintFields(fields []*Field) []fingerprintField {
	out := make([]fingerprintField, 0, len(fields))
	for _, f := range fields {
		out = append(out, fingerprintField{
			Name:      f.Name,
			Type:      f.Type.String(),
			Required:  f.Required,
			Unique:    f.Unique,
			Default:   f.Default,
			Options:   f.Options,
			Target:    f.Target,
			Blocks:    f.Blocks,
			MinLength: f.Constraints.MinLength,
			MaxLength: f.Constraints.MaxLength,
			Min:       f.Constraints.Min,
			Max:       f.Constraints.Max,
			Pattern:   f.Constraints.Pattern,
		})
	}
	return out
}
