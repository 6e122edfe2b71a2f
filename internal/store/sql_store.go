package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/conduit-lang/schemasync/internal/collection/schema"
)

// SQLStore implements Store over database/sql
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

var _ Store = (*SQLStore)(nil)

// New wraps an open database handle
func New(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger.Named("store")}
}

// DB returns the underlying handle
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the store's dialect
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Ping verifies the connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tables lists user tables
func (s *SQLStore) Tables(ctx context.Context) ([]string, error) {
	return s.dialect.Tables(ctx, s.db)
}

// Columns introspects one table
func (s *SQLStore) Columns(ctx context.Context, table string) ([]ColumnInfo, error) {
	return s.dialect.Columns(ctx, s.db, table)
}

// ExecContext runs a statement outside any transaction
func (s *SQLStore) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query outside any transaction
func (s *SQLStore) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query outside any transaction
func (s *SQLStore) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction
func (s *SQLStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTx{tx: tx, dialect: s.dialect, logger: s.logger}, nil
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
	logger  *zap.Logger

	mu         sync.Mutex
	statements []string
}

func (t *sqlTx) Dialect() Dialect { return t.dialect }

func (t *sqlTx) Tables(ctx context.Context) ([]string, error) {
	return t.dialect.Tables(ctx, t.tx)
}

func (t *sqlTx) Columns(ctx context.Context, table string) ([]ColumnInfo, error) {
	return t.dialect.Columns(ctx, t.tx, table)
}

func (t *sqlTx) CreateTable(ctx context.Context, table string, columns []schema.Column) error {
	stmts, err := CreateTableSQL(t.dialect, table, columns)
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return t.execDDL(ctx, stmts...)
}

func (t *sqlTx) AddColumn(ctx context.Context, table string, column schema.Column) error {
	stmts, err := AddColumnSQL(t.dialect, table, column)
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column.Name, err)
	}
	return t.execDDL(ctx, stmts...)
}

func (t *sqlTx) AlterColumnType(ctx context.Context, table string, column schema.Column) error {
	stmt, err := t.dialect.AlterColumnTypeSQL(table, column)
	if err != nil {
		return err
	}
	return t.execDDL(ctx, stmt)
}

func (t *sqlTx) DropColumn(ctx context.Context, table, column string) error {
	return t.execDDL(ctx, DropColumnSQL(t.dialect, table, column)...)
}

func (t *sqlTx) AddForeignKey(ctx context.Context, table string, column schema.Column) error {
	stmt, err := t.dialect.AddForeignKeySQL(table, column)
	if err != nil {
		return err
	}
	return t.execDDL(ctx, stmt)
}

func (t *sqlTx) DropTable(ctx context.Context, table string) error {
	return t.execDDL(ctx, DropTableSQL(t.dialect, table))
}

func (t *sqlTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *sqlTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *sqlTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqlTx) Statements() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.statements))
	copy(out, t.statements)
	return out
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqlTx) execDDL(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		t.logger.Debug("executing ddl", zap.String("sql", stmt))
		if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
			return &StatementError{SQL: stmt, Err: err}
		}
		t.mu.Lock()
		t.statements = append(t.statements, stmt)
		t.mu.Unlock()
	}
	return nil
}

// StatementError carries the statement that failed
type StatementError struct {
	SQL string
	Err error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement failed: %v\n  sql: %s", e.Err, e.SQL)
}

func (e *StatementError) Unwrap() error { return e.Err }
