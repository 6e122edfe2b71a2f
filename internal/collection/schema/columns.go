package schema

// Column describes a backing table column derived from a field or relationship
type Column struct {
	Name     string
	Type     FieldType
	Required bool
	Unique   bool
	Default  interface{}

	// References names the table a reference column points at
	References string

	// Many marks relationship columns holding a list of ids
	Many bool
}

// Columns returns the declared columns of the collection in declaration order:
// fields first, then relationships. System columns are not included.
func (c *Collection) Columns() []Column {
	columns := make([]Column, 0, len(c.Fields)+len(c.Relationships))

	for _, f := range c.Fields {
		col := Column{
			Name:     f.Name,
			Type:     f.Type,
			Required: f.Required,
			Unique:   f.Unique,
			Default:  f.Default,
		}
		if f.Type == TypeReference {
			col.References = f.Target
		}
		columns = append(columns, col)
	}

	for _, r := range c.Relationships {
		col := Column{
			Name:     r.ColumnName(),
			Type:     TypeReference,
			Required: r.Required,
		}
		if r.Cardinality == CardinalityMany {
			col.Type = TypeJSON
			col.Many = true
		} else {
			col.References = r.Target
		}
		columns = append(columns, col)
	}

	return columns
}

// ColumnNames returns the names of the declared columns
func (c *Collection) ColumnNames() []string {
	cols := c.Columns()
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	return names
}
