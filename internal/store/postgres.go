package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"

	"github.com/conduit-lang/schemasync/internal/collection/schema"
)

// Postgres is the dialect for PostgreSQL through either pgx or lib/pq
type Postgres struct{}

var _ Dialect = Postgres{}

// Name returns "postgres"
func (Postgres) Name() string { return "postgres" }

// Placeholder returns $n
func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// QuoteIdent double-quotes an identifier
func (Postgres) QuoteIdent(name string) string { return quoteIdent(name) }

// ColumnType maps a field type to a PostgreSQL column type
func (Postgres) ColumnType(t schema.FieldType) string {
	switch t {
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeNumber:
		return "DOUBLE PRECISION"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeDateTime:
		return "TIMESTAMPTZ"
	case schema.TypeJSON, schema.TypeMedia, schema.TypeBlocks:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// TimestampType returns TIMESTAMPTZ
func (Postgres) TimestampType() string { return "TIMESTAMPTZ" }

// Compatible groups information_schema type names into families
func (d Postgres) Compatible(t schema.FieldType, liveType string) bool {
	return pgTypeFamily(d.ColumnType(t)) == pgTypeFamily(liveType)
}

// CanAlterColumnType returns true
func (Postgres) CanAlterColumnType() bool { return true }

// AlterColumnTypeSQL renders ALTER COLUMN ... TYPE with an explicit cast
func (d Postgres) AlterColumnTypeSQL(table string, col schema.Column) (string, error) {
	typ := d.ColumnType(col.Type)
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		d.QuoteIdent(table), d.QuoteIdent(col.Name), typ, d.QuoteIdent(col.Name), strings.ToLower(typ)), nil
}

// CanAddForeignKey returns true
func (Postgres) CanAddForeignKey() bool { return true }

// AddForeignKeySQL renders ADD CONSTRAINT ... FOREIGN KEY. The constraint is
// NOT VALID so rows written before it existed are not checked.
func (d Postgres) AddForeignKeySQL(table string, col schema.Column) (string, error) {
	if col.References == "" {
		return "", fmt.Errorf("column %s references no table", col.Name)
	}
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(%s) ON DELETE SET NULL NOT VALID",
		d.QuoteIdent(table), d.QuoteIdent(foreignKeyName(table, col.Name)), d.QuoteIdent(col.Name),
		d.QuoteIdent(col.References), d.QuoteIdent(schema.ColumnID)), nil
}

// Literal renders a default value; booleans become TRUE or FALSE
func (Postgres) Literal(t schema.FieldType, value interface{}) (string, error) {
	if b, ok := value.(bool); ok {
		if b {
			return "TRUE", nil
		}
		return "FALSE", nil
	}
	return literal(t, value)
}

// Tables lists base tables in the current schema
func (Postgres) Tables(ctx context.Context, q Queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
ORDER BY table_name`)
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

// Columns introspects a table through information_schema
func (Postgres) Columns(ctx context.Context, q Queryer, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, `SELECT c.column_name, c.data_type, c.is_nullable,
  EXISTS (
    SELECT 1 FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage k
      ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
    WHERE tc.constraint_type = 'PRIMARY KEY'
      AND tc.table_schema = c.table_schema AND tc.table_name = c.table_name
      AND k.column_name = c.column_name
  ),
  COALESCE((
    SELECT u.table_name FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage k
      ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
    JOIN information_schema.constraint_column_usage u
      ON u.constraint_name = tc.constraint_name AND u.constraint_schema = tc.constraint_schema
    WHERE tc.constraint_type = 'FOREIGN KEY'
      AND tc.table_schema = c.table_schema AND tc.table_name = c.table_name
      AND k.column_name = c.column_name
    LIMIT 1
  ), '')
FROM information_schema.columns c
WHERE c.table_schema = current_schema() AND c.table_name = $1
ORDER BY c.ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			col      ColumnInfo
			nullable string
		)
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.PrimaryKey, &col.References); err != nil {
			return nil, err
		}
		col.Nullable = nullable == "YES"
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// IsTransient recognizes connection failures, serialization failures,
// deadlocks and administrator shutdowns from both pgx and lib/pq
func (Postgres) IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLState(pgErr.Code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientSQLState(string(pqErr.Code))
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	return isConnectionError(err)
}

func transientSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"):
		return true
	case code == "40001", code == "40P01":
		return true
	case code == "57P01", code == "57P02", code == "57P03":
		return true
	case code == "53300":
		return true
	}
	return false
}

func pgTypeFamily(typ string) string {
	t := strings.ToLower(strings.TrimSpace(typ))
	switch {
	case t == "text", strings.HasPrefix(t, "character"), strings.HasPrefix(t, "varchar"), t == "uuid":
		return "text"
	case t == "bigint", t == "integer", t == "smallint", t == "int", t == "int4", t == "int8":
		return "integer"
	case t == "double precision", t == "real", t == "numeric", strings.HasPrefix(t, "decimal"), t == "float8":
		return "number"
	case t == "boolean", t == "bool":
		return "boolean"
	case t == "date":
		return "date"
	case strings.HasPrefix(t, "timestamp"), t == "timestamptz":
		return "timestamp"
	case t == "jsonb", t == "json":
		return "json"
	}
	return t
}
