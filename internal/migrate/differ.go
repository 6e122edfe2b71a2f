package migrate

import (
	"fmt"
	"sort"

	"github.com/conduit-lang/schemasync/internal/collection/schema"
	"github.com/conduit-lang/schemasync/internal/store"
)

// ChangeType represents the type of structural change
type ChangeType int

const (
	ChangeCreateTable ChangeType = iota
	ChangeAddColumn
	ChangeAlterColumnType
	ChangeDropColumn
	ChangeAddForeignKey
)

// String returns the string representation of the change type
func (c ChangeType) String() string {
	switch c {
	case ChangeCreateTable:
		return "create_table"
	case ChangeAddColumn:
		return "add_column"
	case ChangeAlterColumnType:
		return "alter_column_type"
	case ChangeDropColumn:
		return "drop_column"
	case ChangeAddForeignKey:
		return "add_foreign_key"
	default:
		return "unknown"
	}
}

// Mismatch is a declared column whose live type cannot hold the field type
type Mismatch struct {
	Column   schema.Column
	LiveType string
}

// Delta is the raw difference between a collection and its live table
type Delta struct {
	Table       string
	TableExists bool

	// Declared lists every declared column, used when the table is missing
	Declared []schema.Column
	// Missing lists declared columns absent from the live table
	Missing    []schema.Column
	Mismatched []Mismatch
	// Orphaned lists live columns no field or relationship declares
	Orphaned []string
	// MissingSystem lists system columns absent from an existing table
	MissingSystem []string
	// MissingForeignKeys lists existing reference columns without their
	// declared foreign key, usually deferred by an earlier pass
	MissingForeignKeys []schema.Column
}

// Empty reports whether the live table already matches
func (d *Delta) Empty() bool {
	return d.TableExists && len(d.Missing) == 0 && len(d.Mismatched) == 0 &&
		len(d.Orphaned) == 0 && len(d.MissingForeignKeys) == 0
}

// Diff compares a collection with the live columns of its table
func Diff(c *schema.Collection, exists bool, live []store.ColumnInfo, dialect store.Dialect) *Delta {
	delta := &Delta{
		Table:       c.TableName(),
		TableExists: exists,
		Declared:    c.Columns(),
	}
	if !exists {
		return delta
	}

	liveByName := make(map[string]store.ColumnInfo, len(live))
	for _, col := range live {
		liveByName[col.Name] = col
	}

	declared := make(map[string]bool, len(delta.Declared))
	for _, col := range delta.Declared {
		declared[col.Name] = true

		info, ok := liveByName[col.Name]
		if !ok {
			delta.Missing = append(delta.Missing, col)
			continue
		}
		if !dialect.Compatible(col.Type, info.Type) {
			delta.Mismatched = append(delta.Mismatched, Mismatch{Column: col, LiveType: info.Type})
			continue
		}
		if col.References != "" && info.References == "" {
			delta.MissingForeignKeys = append(delta.MissingForeignKeys, col)
		}
	}

	for _, name := range []string{schema.ColumnID, schema.ColumnCreatedAt, schema.ColumnUpdatedAt} {
		if _, ok := liveByName[name]; !ok {
			delta.MissingSystem = append(delta.MissingSystem, name)
		}
	}

	for _, col := range live {
		if !declared[col.Name] && !schema.IsSystemColumn(col.Name) {
			delta.Orphaned = append(delta.Orphaned, col.Name)
		}
	}
	sort.Strings(delta.Orphaned)

	return delta
}

// Change is one planned structural step
type Change struct {
	Type     ChangeType
	Column   schema.Column
	Columns  []schema.Column
	DataLoss bool
}

// Description returns a human-readable summary of the change
func (c Change) Description(table string) string {
	switch c.Type {
	case ChangeCreateTable:
		return fmt.Sprintf("create table %s with %d column(s)", table, len(c.Columns))
	case ChangeAddColumn:
		return fmt.Sprintf("add column %s.%s", table, c.Column.Name)
	case ChangeAlterColumnType:
		return fmt.Sprintf("alter column %s.%s to %s", table, c.Column.Name, c.Column.Type)
	case ChangeDropColumn:
		return fmt.Sprintf("drop column %s.%s", table, c.Column.Name)
	case ChangeAddForeignKey:
		return fmt.Sprintf("add foreign key %s.%s -> %s", table, c.Column.Name, c.Column.References)
	}
	return c.Type.String()
}

// Plan is the list of changes the engine will apply, with the warnings
// produced while choosing them
type Plan struct {
	Table    string
	Changes  []Change
	Warnings []string
	// Orphaned lists orphaned columns that are kept
	Orphaned []string
}

// PlanChanges turns a delta into changes according to the destructive-change
// options. tables is the set of live tables, used to defer foreign keys
// whose target does not exist yet. A deferred key is added by a later pass
// once its target exists, or warned about on every pass when the dialect
// cannot add it.
func PlanChanges(delta *Delta, opts Options, dialect store.Dialect, tables map[string]bool) *Plan {
	p := &Plan{Table: delta.Table}

	resolveRef := func(col schema.Column) schema.Column {
		if col.References == "" || col.References == delta.Table || tables[col.References] {
			return col
		}
		p.Warnings = append(p.Warnings, fmt.Sprintf(
			"foreign key %s -> %s deferred: table %s does not exist yet", col.Name, col.References, col.References))
		col.References = ""
		return col
	}

	if !delta.TableExists {
		cols := make([]schema.Column, len(delta.Declared))
		for i, col := range delta.Declared {
			cols[i] = resolveRef(col)
		}
		p.Changes = append(p.Changes, Change{Type: ChangeCreateTable, Columns: cols})
		return p
	}

	for _, name := range delta.MissingSystem {
		p.Warnings = append(p.Warnings, fmt.Sprintf("table %s has no %s column", delta.Table, name))
	}

	for _, col := range delta.Missing {
		col = resolveRef(col)
		if col.Required && col.Default == nil {
			p.Warnings = append(p.Warnings, fmt.Sprintf(
				"required column %s added as nullable: existing rows have no value and no default is declared", col.Name))
			col.Required = false
		}
		p.Changes = append(p.Changes, Change{Type: ChangeAddColumn, Column: col})
	}

	for _, m := range delta.Mismatched {
		switch {
		case !opts.AllowDestructive:
			p.Warnings = append(p.Warnings, fmt.Sprintf(
				"column %s has type %s, incompatible with declared %s; enable destructive changes to alter it",
				m.Column.Name, m.LiveType, m.Column.Type))
		case !dialect.CanAlterColumnType():
			p.Warnings = append(p.Warnings, fmt.Sprintf(
				"column %s has type %s, incompatible with declared %s; %s cannot alter column types",
				m.Column.Name, m.LiveType, m.Column.Type, dialect.Name()))
		default:
			p.Changes = append(p.Changes, Change{Type: ChangeAlterColumnType, Column: m.Column, DataLoss: true})
		}
	}

	for _, col := range delta.MissingForeignKeys {
		switch {
		case col.References != delta.Table && !tables[col.References]:
			p.Warnings = append(p.Warnings, fmt.Sprintf(
				"foreign key %s -> %s deferred: table %s does not exist yet", col.Name, col.References, col.References))
		case !dialect.CanAddForeignKey():
			p.Warnings = append(p.Warnings, fmt.Sprintf(
				"foreign key %s -> %s missing: %s cannot add a foreign key to an existing column",
				col.Name, col.References, dialect.Name()))
		default:
			p.Changes = append(p.Changes, Change{Type: ChangeAddForeignKey, Column: col})
		}
	}

	for _, name := range delta.Orphaned {
		if opts.DropOrphanedColumns {
			p.Changes = append(p.Changes, Change{
				Type:     ChangeDropColumn,
				Column:   schema.Column{Name: name},
				DataLoss: true,
			})
			continue
		}
		p.Orphaned = append(p.Orphaned, name)
		p.Warnings = append(p.Warnings, fmt.Sprintf("column %s is orphaned: not declared by the collection", name))
	}

	return p
}

// HasDataLoss reports whether any change may destroy data
func (p *Plan) HasDataLoss() bool {
	for _, c := range p.Changes {
		if c.DataLoss {
			return true
		}
	}
	return false
}
