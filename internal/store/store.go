// Package store is the relational store boundary of the sync engine. All
// dialect-specific SQL lives behind the Store and Tx interfaces.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/conduit-lang/schemasync/internal/collection/schema"
)

// ErrUnsupported is returned when a dialect cannot perform an operation
var ErrUnsupported = errors.New("operation not supported by dialect")

// ColumnInfo describes a live column as reported by introspection
type ColumnInfo struct {
	Name       string
	Type       string
	Nullable   bool
	PrimaryKey bool

	// References is the table the column's foreign key points at, empty
	// when the column has none
	References string
}

// Queryer is satisfied by *sql.DB and *sql.Tx
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Execer runs statements and queries; Store and Tx both satisfy it
type Execer interface {
	Queryer
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	Dialect() Dialect
}

// Store is an introspectable relational database
type Store interface {
	Dialect() Dialect
	Ping(ctx context.Context) error
	Tables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]ColumnInfo, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a transaction able to introspect and change table structure.
// DDL executed through it is recorded and available from Statements.
type Tx interface {
	Dialect() Dialect
	Tables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]ColumnInfo, error)

	CreateTable(ctx context.Context, table string, columns []schema.Column) error
	AddColumn(ctx context.Context, table string, column schema.Column) error
	AlterColumnType(ctx context.Context, table string, column schema.Column) error
	DropColumn(ctx context.Context, table, column string) error
	AddForeignKey(ctx context.Context, table string, column schema.Column) error
	DropTable(ctx context.Context, table string) error

	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row

	Statements() []string
	Commit() error
	Rollback() error
}

// Open connects to a database using one of the supported drivers:
// "sqlite3", "pgx" or "postgres"
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect.Name() == "sqlite" {
		// SQLite serializes writers; a single connection also keeps
		// in-memory databases shared across the pool
		db.SetMaxOpenConns(1)
	}

	s := New(db, dialect, logger)
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return s, nil
}

// DialectFor returns the dialect used with a database/sql driver name
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return SQLite{}, nil
	case "pgx", "postgres", "postgresql":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// driverName maps accepted aliases to registered database/sql driver names
func driverName(driver string) string {
	switch driver {
	case "sqlite":
		return "sqlite3"
	case "postgresql":
		return "pgx"
	}
	return driver
}
