package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/conduit-lang/schemasync/internal/collection/schema"
)

// SQLite is the dialect for github.com/mattn/go-sqlite3
type SQLite struct{}

var _ Dialect = SQLite{}

// Name returns "sqlite"
func (SQLite) Name() string { return "sqlite" }

// Placeholder returns "?"
func (SQLite) Placeholder(int) string { return "?" }

// QuoteIdent double-quotes an identifier
func (SQLite) QuoteIdent(name string) string { return quoteIdent(name) }

// ColumnType maps field types onto the three storage affinities SQLite
// enforces. Everything textual or structured is TEXT.
func (SQLite) ColumnType(t schema.FieldType) string {
	switch t {
	case schema.TypeInteger, schema.TypeBoolean:
		return "INTEGER"
	case schema.TypeNumber:
		return "REAL"
	default:
		return "TEXT"
	}
}

// TimestampType returns TEXT, matching CURRENT_TIMESTAMP output
func (SQLite) TimestampType() string { return "TEXT" }

// Compatible compares type affinities rather than declared type names
func (d SQLite) Compatible(t schema.FieldType, liveType string) bool {
	return sqliteAffinity(d.ColumnType(t)) == sqliteAffinity(liveType)
}

// CanAlterColumnType returns false; SQLite has no ALTER COLUMN
func (SQLite) CanAlterColumnType() bool { return false }

// AlterColumnTypeSQL always fails with ErrUnsupported
func (SQLite) AlterColumnTypeSQL(string, schema.Column) (string, error) {
	return "", fmt.Errorf("sqlite: alter column type: %w", ErrUnsupported)
}

// CanAddForeignKey returns false; SQLite only accepts foreign keys in
// CREATE TABLE and ADD COLUMN
func (SQLite) CanAddForeignKey() bool { return false }

// AddForeignKeySQL always fails with ErrUnsupported
func (SQLite) AddForeignKeySQL(string, schema.Column) (string, error) {
	return "", fmt.Errorf("sqlite: add foreign key: %w", ErrUnsupported)
}

// Literal renders a default value; booleans become 1 or 0
func (SQLite) Literal(t schema.FieldType, value interface{}) (string, error) {
	if b, ok := value.(bool); ok {
		if b {
			return "1", nil
		}
		return "0", nil
	}
	return literal(t, value)
}

// Tables lists user tables, excluding SQLite's internal sqlite_ ones.
// The underscore is escaped; unescaped it matches any character.
func (SQLite) Tables(ctx context.Context, q Queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Columns introspects a table with pragma_table_info and
// pragma_foreign_key_list. A missing table yields no columns.
func (SQLite) Columns(ctx context.Context, q Queryer, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, `SELECT c.name, c.type, c."notnull", c.pk,
  COALESCE((SELECT f."table" FROM pragma_foreign_key_list(?1) f WHERE f."from" = c.name LIMIT 1), '')
FROM pragma_table_info(?1) c ORDER BY c.cid`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			col     ColumnInfo
			notNull int
			pk      int
		)
		if err := rows.Scan(&col.Name, &col.Type, &notNull, &pk, &col.References); err != nil {
			return nil, err
		}
		col.Nullable = notNull == 0 && pk == 0
		col.PrimaryKey = pk > 0
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// IsTransient reports busy and locked databases as well as connection errors
func (SQLite) IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return isConnectionError(err)
}

// sqliteAffinity applies SQLite's column affinity rules to a declared type
func sqliteAffinity(declared string) string {
	t := strings.ToUpper(declared)
	switch {
	case strings.Contains(t, "INT"):
		return "INTEGER"
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return "TEXT"
	case t == "" || strings.Contains(t, "BLOB"):
		return "BLOB"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return "REAL"
	default:
		return "NUMERIC"
	}
}
