package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/conduit-lang/schemasync/internal/collection/schema"
)

// Dialect renders and introspects SQL for one database engine
type Dialect interface {
	Name() string

	// Placeholder returns the bind parameter for the n-th argument (1-based)
	Placeholder(n int) string
	QuoteIdent(name string) string

	// ColumnType maps a field type to the column type the dialect creates
	ColumnType(t schema.FieldType) string
	// TimestampType is the column type of the system timestamp columns
	TimestampType() string
	// Compatible reports whether a live column type can hold the field type
	Compatible(t schema.FieldType, liveType string) bool
	// CanAlterColumnType reports whether ALTER COLUMN ... TYPE is available
	CanAlterColumnType() bool
	// AlterColumnTypeSQL renders the statement changing a column's type
	AlterColumnTypeSQL(table string, col schema.Column) (string, error)
	// CanAddForeignKey reports whether a foreign key can be added to an
	// existing column
	CanAddForeignKey() bool
	AddForeignKeySQL(table string, col schema.Column) (string, error)

	Literal(t schema.FieldType, value interface{}) (string, error)

	Tables(ctx context.Context, q Queryer) ([]string, error)
	Columns(ctx context.Context, q Queryer, table string) ([]ColumnInfo, error)

	// IsTransient reports whether err is worth retrying
	IsTransient(err error) bool
}

// CreateTableSQL renders CREATE TABLE for a collection table. The system
// columns are always created first. Unique constraints are rendered as
// separate index statements so that adding and dropping them later is
// symmetric across dialects.
func CreateTableSQL(d Dialect, table string, columns []schema.Column) ([]string, error) {
	defs := []string{
		fmt.Sprintf("%s TEXT PRIMARY KEY", d.QuoteIdent(schema.ColumnID)),
		fmt.Sprintf("%s %s NOT NULL DEFAULT CURRENT_TIMESTAMP", d.QuoteIdent(schema.ColumnCreatedAt), d.TimestampType()),
		fmt.Sprintf("%s %s NOT NULL DEFAULT CURRENT_TIMESTAMP", d.QuoteIdent(schema.ColumnUpdatedAt), d.TimestampType()),
	}

	var indexes []string
	for _, col := range columns {
		def, err := ColumnDefinition(d, col)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		defs = append(defs, def)
		if col.Unique {
			indexes = append(indexes, UniqueIndexSQL(d, table, col.Name))
		}
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("CREATE TABLE %s (\n", d.QuoteIdent(table)))
	for i, def := range defs {
		b.WriteString("  ")
		b.WriteString(def)
		if i < len(defs)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")

	return append([]string{b.String()}, indexes...), nil
}

// AddColumnSQL renders ALTER TABLE ... ADD COLUMN plus the unique index when needed
func AddColumnSQL(d Dialect, table string, col schema.Column) ([]string, error) {
	def, err := ColumnDefinition(d, col)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", col.Name, err)
	}

	stmts := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.QuoteIdent(table), def)}
	if col.Unique {
		stmts = append(stmts, UniqueIndexSQL(d, table, col.Name))
	}
	return stmts, nil
}

// DropColumnSQL renders the statements removing a column and its unique index
func DropColumnSQL(d Dialect, table, column string) []string {
	return []string{
		fmt.Sprintf("DROP INDEX IF EXISTS %s", d.QuoteIdent(uniqueIndexName(table, column))),
		fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.QuoteIdent(table), d.QuoteIdent(column)),
	}
}

// DropTableSQL renders DROP TABLE
func DropTableSQL(d Dialect, table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.QuoteIdent(table))
}

// UniqueIndexSQL renders the unique index backing a unique column
func UniqueIndexSQL(d Dialect, table, column string) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		d.QuoteIdent(uniqueIndexName(table, column)), d.QuoteIdent(table), d.QuoteIdent(column))
}

func uniqueIndexName(table, column string) string {
	return table + "_" + column + "_key"
}

func foreignKeyName(table, column string) string {
	return table + "_" + column + "_fkey"
}

// ColumnDefinition renders a single column definition
func ColumnDefinition(d Dialect, col schema.Column) (string, error) {
	parts := []string{d.QuoteIdent(col.Name), d.ColumnType(col.Type)}

	if col.Required {
		parts = append(parts, "NOT NULL")
	}

	if col.Default != nil {
		lit, err := d.Literal(col.Type, col.Default)
		if err != nil {
			return "", err
		}
		parts = append(parts, "DEFAULT "+lit)
	}

	if col.References != "" {
		parts = append(parts, fmt.Sprintf("REFERENCES %s(%s) ON DELETE SET NULL",
			d.QuoteIdent(col.References), d.QuoteIdent(schema.ColumnID)))
	}

	return strings.Join(parts, " "), nil
}

// quoteIdent double-quotes an identifier, escaping embedded quotes
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// literal renders the dialect-neutral part of default values. Booleans are
// left to the caller.
func literal(t schema.FieldType, value interface{}) (string, error) {
	if t.IsStructured() {
		data, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("invalid %s default: %w", t, err)
		}
		return quoteString(string(data)), nil
	}

	switch v := value.(type) {
	case string:
		return quoteString(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case fmt.Stringer:
		return quoteString(v.String()), nil
	default:
		return "", fmt.Errorf("unsupported default value %v (%T) for %s", value, value, t)
	}
}

// isConnectionError detects broken or refused connections regardless of driver
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Rebind rewrites ? placeholders into the dialect's bind parameter syntax
func Rebind(d Dialect, query string) string {
	if d.Placeholder(1) == "?" {
		return query
	}

	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
