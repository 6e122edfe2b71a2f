// Package migrate reconciles live database tables with validated collection
// schemas and records every applied change as a versioned migration.
package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conduit-lang/schemasync/internal/store"
)

const (
	// MigrationsTable holds one row per applied migration
	MigrationsTable = "_schemasync_migrations"
	// CollectionsTable marks the tables the engine manages
	CollectionsTable = "_schemasync_collections"
)

// IsBookkeepingTable reports whether a table belongs to the engine itself
func IsBookkeepingTable(name string) bool {
	return name == MigrationsTable || name == CollectionsTable
}

// Migration is one applied change to a collection's table. Versions
// increase monotonically per collection.
type Migration struct {
	Collection  string
	Version     int64
	Fingerprint string
	Statements  []string
	RunID       string
	AppliedAt   time.Time
}

// TableStatus is the bookkeeping state of a managed table
type TableStatus string

const (
	TableManaged  TableStatus = "managed"
	TableOrphaned TableStatus = "orphaned"
)

// ManagedCollection is a row of the collections bookkeeping table
type ManagedCollection struct {
	Name        string
	Table       string
	Status      TableStatus
	Fingerprint string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Tracker reads and writes the bookkeeping tables. Every method takes the
// Execer to run on so writes can share the caller's transaction.
type Tracker struct{}

// NewTracker creates a new migration tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// Initialize ensures the bookkeeping tables exist
func (t *Tracker) Initialize(ctx context.Context, ex store.Execer) error {
	d := ex.Dialect()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  collection TEXT NOT NULL,
  version BIGINT NOT NULL,
  fingerprint TEXT NOT NULL,
  statements TEXT NOT NULL,
  run_id TEXT NOT NULL,
  applied_at TEXT NOT NULL,
  PRIMARY KEY (collection, version)
)`, d.QuoteIdent(MigrationsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  name TEXT PRIMARY KEY,
  table_name TEXT NOT NULL,
  status TEXT NOT NULL,
  fingerprint TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
)`, d.QuoteIdent(CollectionsTable)),
	}

	for _, stmt := range stmts {
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize bookkeeping tables: %w", err)
		}
	}
	return nil
}

// Last returns the most recent migration of a collection, or nil if none exist
func (t *Tracker) Last(ctx context.Context, ex store.Execer, collection string) (*Migration, error) {
	query := store.Rebind(ex.Dialect(), fmt.Sprintf(`
SELECT collection, version, fingerprint, statements, run_id, applied_at
FROM %s
WHERE collection = ?
ORDER BY version DESC
LIMIT 1`, ex.Dialect().QuoteIdent(MigrationsTable)))

	m, err := scanMigration(ex.QueryRowContext(ctx, query, collection))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last migration of %s: %w", collection, err)
	}
	return m, nil
}

// History returns the migrations of a collection in version order. An empty
// collection name returns every migration.
func (t *Tracker) History(ctx context.Context, ex store.Execer, collection string) ([]*Migration, error) {
	d := ex.Dialect()
	query := fmt.Sprintf(`
SELECT collection, version, fingerprint, statements, run_id, applied_at
FROM %s`, d.QuoteIdent(MigrationsTable))

	var args []interface{}
	if collection != "" {
		query += "\nWHERE collection = ?"
		args = append(args, collection)
	}
	query += "\nORDER BY collection ASC, version ASC"

	rows, err := ex.QueryContext(ctx, store.Rebind(d, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var migrations []*Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		migrations = append(migrations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}
	return migrations, nil
}

// Record appends a migration
func (t *Tracker) Record(ctx context.Context, ex store.Execer, m *Migration) error {
	stmts, err := json.Marshal(m.Statements)
	if err != nil {
		return fmt.Errorf("failed to encode statements: %w", err)
	}
	if m.AppliedAt.IsZero() {
		m.AppliedAt = time.Now().UTC()
	}

	query := store.Rebind(ex.Dialect(), fmt.Sprintf(`
INSERT INTO %s (collection, version, fingerprint, statements, run_id, applied_at)
VALUES (?, ?, ?, ?, ?, ?)`, ex.Dialect().QuoteIdent(MigrationsTable)))

	_, err = ex.ExecContext(ctx, query,
		m.Collection, m.Version, m.Fingerprint, string(stmts), m.RunID, formatTime(m.AppliedAt))
	if err != nil {
		return fmt.Errorf("failed to record migration %s@%d: %w", m.Collection, m.Version, err)
	}
	return nil
}

// Upsert stores a collection row, keeping its original creation time
func (t *Tracker) Upsert(ctx context.Context, ex store.Execer, c *ManagedCollection) error {
	now := formatTime(time.Now().UTC())
	query := store.Rebind(ex.Dialect(), fmt.Sprintf(`
INSERT INTO %s (name, table_name, status, fingerprint, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
  table_name = excluded.table_name,
  status = excluded.status,
  fingerprint = excluded.fingerprint,
  updated_at = excluded.updated_at`, ex.Dialect().QuoteIdent(CollectionsTable)))

	_, err := ex.ExecContext(ctx, query, c.Name, c.Table, string(c.Status), c.Fingerprint, now, now)
	if err != nil {
		return fmt.Errorf("failed to store collection %s: %w", c.Name, err)
	}
	return nil
}

// SetStatus changes the status of a collection row
func (t *Tracker) SetStatus(ctx context.Context, ex store.Execer, name string, status TableStatus) error {
	query := store.Rebind(ex.Dialect(), fmt.Sprintf(
		`UPDATE %s SET status = ?, updated_at = ? WHERE name = ?`, ex.Dialect().QuoteIdent(CollectionsTable)))

	if _, err := ex.ExecContext(ctx, query, string(status), formatTime(time.Now().UTC()), name); err != nil {
		return fmt.Errorf("failed to mark %s %s: %w", name, status, err)
	}
	return nil
}

// Remove deletes a collection row. Its migration history is kept.
func (t *Tracker) Remove(ctx context.Context, ex store.Execer, name string) error {
	query := store.Rebind(ex.Dialect(), fmt.Sprintf(
		`DELETE FROM %s WHERE name = ?`, ex.Dialect().QuoteIdent(CollectionsTable)))

	if _, err := ex.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("failed to remove collection %s: %w", name, err)
	}
	return nil
}

// Collection returns one collection row, or nil if the name is not tracked
func (t *Tracker) Collection(ctx context.Context, ex store.Execer, name string) (*ManagedCollection, error) {
	query := store.Rebind(ex.Dialect(), fmt.Sprintf(`
SELECT name, table_name, status, fingerprint, created_at, updated_at
FROM %s WHERE name = ?`, ex.Dialect().QuoteIdent(CollectionsTable)))

	c, err := scanCollection(ex.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection %s: %w", name, err)
	}
	return c, nil
}

// Collections returns every collection row ordered by name
func (t *Tracker) Collections(ctx context.Context, ex store.Execer) ([]*ManagedCollection, error) {
	query := fmt.Sprintf(`
SELECT name, table_name, status, fingerprint, created_at, updated_at
FROM %s ORDER BY name ASC`, ex.Dialect().QuoteIdent(CollectionsTable))

	rows, err := ex.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query collections: %w", err)
	}
	defer rows.Close()

	var out []*ManagedCollection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMigration(s scanner) (*Migration, error) {
	var (
		m          Migration
		statements string
		appliedAt  string
	)
	if err := s.Scan(&m.Collection, &m.Version, &m.Fingerprint, &statements, &m.RunID, &appliedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(statements), &m.Statements); err != nil {
		return nil, fmt.Errorf("corrupt statements for %s@%d: %w", m.Collection, m.Version, err)
	}
	m.AppliedAt = parseTime(appliedAt)
	return &m, nil
}

func scanCollection(s scanner) (*ManagedCollection, error) {
	var (
		c                    ManagedCollection
		status               string
		createdAt, updatedAt string
	)
	if err := s.Scan(&c.Name, &c.Table, &status, &c.Fingerprint, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = TableStatus(status)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// timestamps are stored as RFC 3339 text so both dialects scan them the same way
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
