package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conduit-lang/schemasync/internal/collection/schema"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), "sqlite3", ":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_CreateAndIntrospect(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)

	err = tx.CreateTable(ctx, "posts", []schema.Column{
		{Name: "title", Type: schema.TypeString, Required: true},
		{Name: "slug", Type: schema.TypeString, Unique: true},
		{Name: "views", Type: schema.TypeInteger, Default: int64(0)},
		{Name: "published", Type: schema.TypeBoolean, Default: false},
	})
	require.NoError(t, err)
	assert.Len(t, tx.Statements(), 2, "create table plus unique index")
	require.NoError(t, tx.Commit())

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"posts"}, tables)

	cols, err := s.Columns(ctx, "posts")
	require.NoError(t, err)
	require.Len(t, cols, 7)

	assert.Equal(t, "id", cols[0].Name)
	assert.True(t, cols[0].PrimaryKey)
	assert.Equal(t, "title", cols[3].Name)
	assert.False(t, cols[3].Nullable)
	assert.Equal(t, "INTEGER", cols[5].Type)
	assert.True(t, cols[5].Nullable)
}

func TestSQLStore_AddAndDropColumn(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateTable(ctx, "pages", []schema.Column{{Name: "title", Type: schema.TypeString}}))
	require.NoError(t, tx.AddColumn(ctx, "pages", schema.Column{Name: "code", Type: schema.TypeString, Unique: true}))
	require.NoError(t, tx.DropColumn(ctx, "pages", "code"))
	require.NoError(t, tx.Commit())

	cols, err := s.Columns(ctx, "pages")
	require.NoError(t, err)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"id", "created_at", "updated_at", "title"}, names)
}

func TestSQLStore_RollbackDiscardsDDL(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateTable(ctx, "drafts", []schema.Column{{Name: "title", Type: schema.TypeString}}))
	require.NoError(t, tx.Rollback())

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestSQLStore_FailedStatementIsReported(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	err = tx.AddColumn(ctx, "missing", schema.Column{Name: "x", Type: schema.TypeString})
	require.Error(t, err)

	var stmtErr *StatementError
	require.True(t, errors.As(err, &stmtErr))
	assert.Contains(t, stmtErr.SQL, `ALTER TABLE "missing" ADD COLUMN "x" TEXT`)
	assert.Empty(t, tx.Statements())
}

func TestSQLite_AlterColumnTypeUnsupported(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	err = tx.AlterColumnType(ctx, "posts", schema.Column{Name: "views", Type: schema.TypeString})
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestSQLite_TablesKeepsSqlitePrefixedNames(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateTable(ctx, "sqliteposts", []schema.Column{{Name: "title", Type: schema.TypeString}}))
	require.NoError(t, tx.Commit())

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sqliteposts"}, tables)
}

func TestSQLite_ColumnsReportForeignKeys(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateTable(ctx, "authors", []schema.Column{{Name: "name", Type: schema.TypeString}}))
	require.NoError(t, tx.CreateTable(ctx, "posts", []schema.Column{
		{Name: "author", Type: schema.TypeReference, References: "authors"},
		{Name: "editor", Type: schema.TypeReference},
	}))
	require.NoError(t, tx.Commit())

	cols, err := s.Columns(ctx, "posts")
	require.NoError(t, err)
	require.Len(t, cols, 5)
	assert.Equal(t, "author", cols[3].Name)
	assert.Equal(t, "authors", cols[3].References)
	assert.Empty(t, cols[4].References)
	assert.Empty(t, cols[0].References)
}

func TestAddForeignKeySQL(t *testing.T) {
	col := schema.Column{Name: "author", Type: schema.TypeReference, References: "authors"}

	stmt, err := Postgres{}.AddForeignKeySQL("posts", col)
	require.NoError(t, err)
	assert.Equal(t, `ALTER TABLE "posts" ADD CONSTRAINT "posts_author_fkey" FOREIGN KEY ("author") REFERENCES "authors"("id") ON DELETE SET NULL NOT VALID`, stmt)

	_, err = Postgres{}.AddForeignKeySQL("posts", schema.Column{Name: "author"})
	assert.Error(t, err)

	_, err = SQLite{}.AddForeignKeySQL("posts", col)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.False(t, SQLite{}.CanAddForeignKey())
	assert.True(t, Postgres{}.CanAddForeignKey())
}

func TestColumnDefinition(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		col     schema.Column
		want    string
	}{
		{"sqlite required text", SQLite{}, schema.Column{Name: "title", Type: schema.TypeString, Required: true}, `"title" TEXT NOT NULL`},
		{"sqlite bool default", SQLite{}, schema.Column{Name: "on", Type: schema.TypeBoolean, Default: true}, `"on" INTEGER DEFAULT 1`},
		{"postgres bool default", Postgres{}, schema.Column{Name: "on", Type: schema.TypeBoolean, Default: true}, `"on" BOOLEAN DEFAULT TRUE`},
		{"postgres reference", Postgres{}, schema.Column{Name: "author_id", Type: schema.TypeReference, References: "authors"}, `"author_id" TEXT REFERENCES "authors"("id") ON DELETE SET NULL`},
		{"postgres json default", Postgres{}, schema.Column{Name: "meta", Type: schema.TypeJSON, Default: map[string]interface{}{"a": 1}}, `"meta" JSONB DEFAULT '{"a":1}'`},
		{"quoted string default", SQLite{}, schema.Column{Name: "s", Type: schema.TypeString, Default: "it's"}, `"s" TEXT DEFAULT 'it''s'`},
		{"number default", Postgres{}, schema.Column{Name: "r", Type: schema.TypeNumber, Default: 4.5}, `"r" DOUBLE PRECISION DEFAULT 4.5`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ColumnDefinition(tt.dialect, tt.col)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompatible(t *testing.T) {
	assert.True(t, SQLite{}.Compatible(schema.TypeString, "TEXT"))
	assert.True(t, SQLite{}.Compatible(schema.TypeString, "VARCHAR(255)"))
	assert.True(t, SQLite{}.Compatible(schema.TypeBoolean, "INTEGER"))
	assert.False(t, SQLite{}.Compatible(schema.TypeString, "INTEGER"))
	assert.False(t, SQLite{}.Compatible(schema.TypeNumber, "TEXT"))

	assert.True(t, Postgres{}.Compatible(schema.TypeString, "character varying"))
	assert.True(t, Postgres{}.Compatible(schema.TypeInteger, "integer"))
	assert.True(t, Postgres{}.Compatible(schema.TypeDateTime, "timestamp with time zone"))
	assert.True(t, Postgres{}.Compatible(schema.TypeBlocks, "jsonb"))
	assert.False(t, Postgres{}.Compatible(schema.TypeInteger, "text"))
	assert.False(t, Postgres{}.Compatible(schema.TypeDate, "timestamp with time zone"))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, SQLite{}.IsTransient(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, SQLite{}.IsTransient(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.False(t, SQLite{}.IsTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, SQLite{}.IsTransient(errors.New("syntax error")))

	assert.True(t, Postgres{}.IsTransient(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, Postgres{}.IsTransient(&pgconn.PgError{Code: "08006"}))
	assert.False(t, Postgres{}.IsTransient(&pgconn.PgError{Code: "42P07"}))
	assert.True(t, Postgres{}.IsTransient(&pq.Error{Code: "40001"}))
	assert.False(t, Postgres{}.IsTransient(&pq.Error{Code: "23505"}))
	assert.True(t, Postgres{}.IsTransient(errors.New("dial tcp: connection refused")))
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	transient := errors.New("busy")
	isTransient := func(err error) bool { return errors.Is(err, transient) }

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, isTransient, func(int) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausts policy", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, isTransient, func(int) error {
			calls++
			return transient
		})
		var te *TransientError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, 4, te.Attempts)
		assert.Equal(t, 4, calls)
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		calls := 0
		permanent := errors.New("syntax error")
		err := Retry(context.Background(), policy, isTransient, func(int) error {
			calls++
			return permanent
		})
		assert.Equal(t, permanent, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, RetryPolicy{MaxRetries: 10, InitialBackoff: time.Hour}, isTransient, func(int) error {
			calls++
			cancel()
			return transient
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestPostgres_ColumnsWithSQLMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "exists", "coalesce"}).
		AddRow("id", "text", "NO", true, "").
		AddRow("title", "text", "YES", false, "").
		AddRow("author_id", "text", "YES", false, "authors")
	mock.ExpectQuery("FROM information_schema.columns").WithArgs("posts").WillReturnRows(rows)

	s := New(db, Postgres{}, zaptest.NewLogger(t))
	cols, err := s.Columns(context.Background(), "posts")
	require.NoError(t, err)

	assert.Equal(t, []ColumnInfo{
		{Name: "id", Type: "text", Nullable: false, PrimaryKey: true},
		{Name: "title", Type: "text", Nullable: true},
		{Name: "author_id", Type: "text", Nullable: true, References: "authors"},
	}, cols)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialectFor(t *testing.T) {
	for _, driver := range []string{"sqlite3", "pgx", "postgres"} {
		d, err := DialectFor(driver)
		require.NoError(t, err)
		assert.NotNil(t, d)
	}
	_, err := DialectFor("mysql")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	assert.Equal(t, q, Rebind(SQLite{}, q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", Rebind(Postgres{}, q))
}
