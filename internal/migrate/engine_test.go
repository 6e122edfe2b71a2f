package migrate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conduit-lang/schemasync/internal/cache"
	"github.com/conduit-lang/schemasync/internal/collection/loader"
	"github.com/conduit-lang/schemasync/internal/collection/schema"
	"github.com/conduit-lang/schemasync/internal/collection/validation"
	"github.com/conduit-lang/schemasync/internal/hooks"
	"github.com/conduit-lang/schemasync/internal/store"
)

func openStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite3", ":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEngine(t *testing.T, s store.Store, opts ...EngineOption) *Engine {
	t.Helper()
	all := append([]EngineOption{WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewEngine(s, all...)
}

func collection(t *testing.T, def *loader.Definition, known ...string) *schema.Collection {
	t.Helper()
	known = append(known, def.Name)
	c, errs := validation.ValidateCollectionConfig(&loader.Module{Name: def.Name, Origin: "test", Definition: def}, known)
	require.Nil(t, errs)
	return c
}

func postsDef(fields ...loader.FieldDefinition) *loader.Definition {
	base := []loader.FieldDefinition{
		{Name: "title", Type: "string", Required: true},
		{Name: "views", Type: "integer", Default: 0},
	}
	return &loader.Definition{Name: "posts", Fields: append(base, fields...)}
}

func columnNames(t *testing.T, s store.Store, table string) []string {
	t.Helper()
	cols, err := s.Columns(context.Background(), table)
	require.NoError(t, err)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

type recorder struct {
	mu       sync.Mutex
	statuses map[string]int
	retries  int
	passes   int
	orphaned int
}

func (r *recorder) ObserveSync(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes++
}

func (r *recorder) ObserveCollection(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]int)
	}
	r.statuses[status]++
}

func (r *recorder) ObserveRetry(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *recorder) SetOrphaned(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphaned = n
}

func TestSyncCollection_CreatesThenIsIdempotent(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)
	ctx := context.Background()
	c := collection(t, postsDef())

	first := e.SyncCollection(ctx, c)
	require.Empty(t, first.Errors)
	assert.Equal(t, StatusCreated, first.Status)
	assert.True(t, first.TableCreated)
	assert.Equal(t, []string{"title", "views"}, first.Created)
	assert.Equal(t, int64(1), first.Version)
	assert.NotEmpty(t, first.Statements)
	assert.Equal(t, 1, first.Attempts)

	assert.Equal(t, []string{"id", "created_at", "updated_at", "title", "views"}, columnNames(t, s, "posts"))

	second := e.SyncCollection(ctx, c)
	require.Empty(t, second.Errors)
	assert.Equal(t, StatusUnchanged, second.Status)
	assert.Empty(t, second.Statements)
	assert.Equal(t, int64(1), second.Version)

	history, err := e.History(ctx, "posts")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, first.Fingerprint, history[0].Fingerprint)
	assert.Equal(t, first.Statements, history[0].Statements)
	assert.False(t, history[0].AppliedAt.IsZero())

	managed, err := e.IsCollectionManaged(ctx, "posts")
	require.NoError(t, err)
	assert.True(t, managed)
}

func TestSyncCollection_AddsMissingColumns(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)
	ctx := context.Background()

	require.Equal(t, StatusCreated, e.SyncCollection(ctx, collection(t, postsDef())).Status)

	res := e.SyncCollection(ctx, collection(t, postsDef(
		loader.FieldDefinition{Name: "summary", Type: "text"},
		loader.FieldDefinition{Name: "featured", Type: "boolean", Required: true, Default: false},
	)))
	require.Empty(t, res.Errors)
	assert.Equal(t, StatusAltered, res.Status)
	assert.False(t, res.TableCreated)
	assert.Equal(t, []string{"summary", "featured"}, res.Created)
	assert.Equal(t, int64(2), res.Version)
	assert.Empty(t, res.Warnings)

	assert.Contains(t, columnNames(t, s, "posts"), "featured")
}

func TestSyncCollection_RequiredColumnWithoutDefaultIsNullable(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)
	ctx := context.Background()

	require.Equal(t, StatusCreated, e.SyncCollection(ctx, collection(t, postsDef())).Status)

	res := e.SyncCollection(ctx, collection(t, postsDef(loader.FieldDefinition{Name: "slug", Type: "string", Required: true})))
	require.Empty(t, res.Errors)
	assert.Equal(t, StatusAltered, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "slug added as nullable")

	cols, err := s.Columns(ctx, "posts")
	require.NoError(t, err)
	for _, col := range cols {
		if col.Name == "slug" {
			assert.True(t, col.Nullable)
		}
	}
}

func TestSyncCollection_OrphanedColumns(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	withSummary := collection(t, postsDef(loader.FieldDefinition{Name: "summary", Type: "text"}))
	without := collection(t, postsDef())

	e := newEngine(t, s)
	require.Equal(t, StatusCreated, e.SyncCollection(ctx, withSummary).Status)

	kept := e.SyncCollection(ctx, without)
	require.Empty(t, kept.Errors)
	assert.Equal(t, StatusUnchanged, kept.Status)
	assert.Equal(t, []string{"summary"}, kept.Orphaned)
	assert.Contains(t, kept.Warnings[0], "orphaned")
	assert.Contains(t, columnNames(t, s, "posts"), "summary")
	assert.Equal(t, int64(2), kept.Version, "new fingerprint is recorded")

	opts := DefaultOptions()
	opts.DropOrphanedColumns = true
	destructive := newEngine(t, s, WithOptions(opts))

	dropped := destructive.SyncCollection(ctx, without)
	require.Empty(t, dropped.Errors)
	assert.Equal(t, StatusAltered, dropped.Status)
	assert.Equal(t, []string{"summary"}, dropped.Dropped)
	assert.NotContains(t, columnNames(t, s, "posts"), "summary")
}

func TestSyncCollection_IncompatibleTypeIsOnlyReported(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	e := newEngine(t, s)

	require.Equal(t, StatusCreated, e.SyncCollection(ctx, collection(t, postsDef())).Status)

	changed := &loader.Definition{Name: "posts", Fields: []loader.FieldDefinition{
		{Name: "title", Type: "integer"},
		{Name: "views", Type: "integer"},
	}}

	res := e.SyncCollection(ctx, collection(t, changed))
	require.Empty(t, res.Errors)
	assert.Equal(t, StatusUnchanged, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "enable destructive changes")

	opts := DefaultOptions()
	opts.AllowDestructive = true
	res = newEngine(t, s, WithOptions(opts)).SyncCollection(ctx, collection(t, changed))
	require.Empty(t, res.Errors)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "sqlite cannot alter column types")
}

func TestSyncCollections_DependencyOrder(t *testing.T) {
	for name, input := range map[string][]string{
		"dependent first":  {"posts", "authors"},
		"dependency first": {"authors", "posts"},
	} {
		t.Run(name, func(t *testing.T) {
			s := openStore(t)
			e := newEngine(t, s)

			defs := map[string]*loader.Definition{
				"authors": {Name: "authors", Fields: []loader.FieldDefinition{{Name: "name", Type: "string"}}},
				"posts": {Name: "posts", Fields: []loader.FieldDefinition{
					{Name: "title", Type: "string"},
					{Name: "author", Type: "reference", Target: "authors"},
				}},
			}
			var cols []*schema.Collection
			for _, n := range input {
				cols = append(cols, collection(t, defs[n], "authors", "posts"))
			}

			report := e.SyncCollections(context.Background(), cols)
			require.NoError(t, report.Errors())
			assert.Equal(t, []string{"authors", "posts"}, report.Order)
			assert.Equal(t, 2, report.Count(StatusCreated))
			assert.Empty(t, report.Results["posts"].Warnings, "foreign key is not deferred")
			assert.NotEmpty(t, report.RunID)
		})
	}
}

func TestSyncCollections_CycleIsBrokenWithWarning(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)

	a := collection(t, &loader.Definition{Name: "a", Fields: []loader.FieldDefinition{{Name: "b", Type: "reference", Target: "b"}}}, "b")
	b := collection(t, &loader.Definition{Name: "b", Fields: []loader.FieldDefinition{{Name: "a", Type: "reference", Target: "a"}}}, "a")

	report := e.SyncCollections(context.Background(), []*schema.Collection{b, a})
	require.NoError(t, report.Errors())
	assert.Equal(t, 2, report.Count(StatusCreated))
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "broken at a")

	assert.Contains(t, report.Results["a"].Warnings, "foreign key b -> b deferred: table b does not exist yet")
}

func TestSyncCollections_PartialFailure(t *testing.T) {
	s := openStore(t)
	h := hooks.New()
	boom := errors.New("boom")
	require.NoError(t, h.On(hooks.CollectionBeforeSync, "guard", func(ctx context.Context, ev *hooks.Event) error {
		if ev.Collection == "broken" {
			return boom
		}
		return nil
	}))

	var mu sync.Mutex
	var failed []string
	require.NoError(t, h.On(hooks.CollectionFailed, "guard", func(ctx context.Context, ev *hooks.Event) error {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, ev.Collection)
		return nil
	}))

	rec := &recorder{}
	e := newEngine(t, s, WithHooks(h), WithRecorder(rec))

	report := e.SyncCollections(context.Background(), []*schema.Collection{
		collection(t, &loader.Definition{Name: "broken", Fields: []loader.FieldDefinition{{Name: "x", Type: "string"}}}),
		collection(t, &loader.Definition{Name: "fine", Fields: []loader.FieldDefinition{{Name: "x", Type: "string"}}}),
	})

	assert.True(t, report.Failed())
	assert.Equal(t, StatusFailed, report.Results["broken"].Status)
	assert.Equal(t, StatusCreated, report.Results["fine"].Status)
	assert.ErrorIs(t, report.Errors(), boom)

	var syncErr *SyncError
	require.ErrorAs(t, report.Results["broken"].Err(), &syncErr)
	assert.Equal(t, "broken", syncErr.Collection)

	assert.Equal(t, []string{"broken"}, failed)
	assert.Equal(t, 1, rec.statuses["failed"])
	assert.Equal(t, 1, rec.statuses["created"])
	assert.Equal(t, 1, rec.passes)

	tables, err := s.Tables(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, tables, "broken")
}

func TestSyncCollections_BeforeSyncHandlerCanSkip(t *testing.T) {
	s := openStore(t)
	h := hooks.New()
	require.NoError(t, h.On(hooks.CollectionBeforeSync, "core", func(ctx context.Context, ev *hooks.Event) error {
		ev.Set(hooks.DataSkip, ev.Collection == "posts")
		return nil
	}))
	e := newEngine(t, s, WithHooks(h))

	res := e.SyncCollection(context.Background(), collection(t, postsDef()))
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Empty(t, res.Errors)

	tables, err := s.Tables(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, tables, "posts")
}

func TestSyncCollections_SyncBeforeFailureAbortsPass(t *testing.T) {
	s := openStore(t)
	h := hooks.New()
	require.NoError(t, h.On(hooks.SyncBefore, "maintenance", func(ctx context.Context, ev *hooks.Event) error {
		return errors.New("maintenance window")
	}))

	var after *Report
	require.NoError(t, h.On(hooks.SyncAfter, "maintenance", func(ctx context.Context, ev *hooks.Event) error {
		after = ev.Payload.(*Report)
		return nil
	}))

	e := newEngine(t, s, WithHooks(h))
	report := e.SyncCollections(context.Background(), []*schema.Collection{collection(t, postsDef())})

	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "maintenance window")
	assert.Equal(t, StatusSkipped, report.Results["posts"].Status)
	assert.Same(t, report, after)
}

func TestSyncCollections_CancelledBeforeStartIsSkipped(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)
	require.NoError(t, e.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := e.SyncCollections(ctx, []*schema.Collection{
		collection(t, postsDef()),
		collection(t, &loader.Definition{Name: "tags", Fields: []loader.FieldDefinition{{Name: "label", Type: "string"}}}),
	})
	assert.Equal(t, 2, report.Count(StatusSkipped))

	tables, err := s.Tables(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, tables, "posts")
}

func TestSyncCollection_CachedFastPath(t *testing.T) {
	s := openStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	e := newEngine(t, s, WithCache(c))
	col := collection(t, postsDef())

	first := e.SyncCollection(ctx, col)
	require.Equal(t, StatusCreated, first.Status)

	ok, err := c.Exists(ctx, cache.CollectionKey("posts", first.Fingerprint))
	require.NoError(t, err)
	assert.True(t, ok)

	second := e.SyncCollection(ctx, col)
	assert.Equal(t, StatusUnchanged, second.Status)
	assert.Equal(t, int64(1), second.Version)

	altered := e.SyncCollection(ctx, collection(t, postsDef(loader.FieldDefinition{Name: "summary", Type: "text"})))
	require.Equal(t, StatusAltered, altered.Status)

	ok, err = c.Exists(ctx, cache.CollectionKey("posts", first.Fingerprint))
	require.NoError(t, err)
	assert.False(t, ok, "stale snapshot is invalidated")
}

func TestFullCollectionSync(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	src := loader.NewMemorySource("memory",
		&loader.Definition{Name: "authors", Fields: []loader.FieldDefinition{{Name: "name", Type: "string"}}},
		&loader.Definition{Name: "posts", Fields: []loader.FieldDefinition{
			{Name: "title", Type: "string"},
			{Name: "author", Type: "reference", Target: "authors"},
		}},
		&loader.Definition{Name: "broken", Fields: []loader.FieldDefinition{{Name: "x", Type: "nope"}}},
	)
	l := loader.NewLoader(zaptest.NewLogger(t), src)
	e := newEngine(t, s, WithLoader(l))

	legacy := collection(t, &loader.Definition{Name: "legacy", Fields: []loader.FieldDefinition{{Name: "x", Type: "string"}}})
	require.Equal(t, StatusCreated, e.SyncCollection(ctx, legacy).Status)

	report := e.FullCollectionSync(ctx)
	assert.Equal(t, StatusInvalid, report.Results["broken"].Status)
	assert.NotEmpty(t, report.Results["broken"].Errors)
	assert.Equal(t, StatusCreated, report.Results["authors"].Status)
	assert.Equal(t, StatusCreated, report.Results["posts"].Status)
	assert.Equal(t, []string{"legacy"}, report.Orphaned)
	assert.True(t, report.Failed())

	managed, err := e.IsCollectionManaged(ctx, "legacy")
	require.NoError(t, err)
	assert.True(t, managed, "detection does not mark anything")
}

func TestFullCollectionSync_RequiresLoader(t *testing.T) {
	e := newEngine(t, openStore(t))
	report := e.FullCollectionSync(context.Background())
	assert.Error(t, report.Err)
}

func TestSyncCollection_SqlitePrefixedNameIsIdempotent(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)
	ctx := context.Background()
	c := collection(t, &loader.Definition{Name: "sqliteposts", Fields: []loader.FieldDefinition{{Name: "title", Type: "string"}}})

	first := e.SyncCollection(ctx, c)
	require.Empty(t, first.Errors)
	assert.Equal(t, StatusCreated, first.Status)

	second := e.SyncCollection(ctx, c)
	require.Empty(t, second.Errors)
	assert.Equal(t, StatusUnchanged, second.Status)
	assert.Equal(t, first.Version, second.Version)
}

func TestSyncCollections_DeferredForeignKeyIsReportedEveryPass(t *testing.T) {
	s := openStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	e := newEngine(t, s, WithCache(c))
	ctx := context.Background()

	alpha := collection(t, &loader.Definition{Name: "alpha", Fields: []loader.FieldDefinition{{Name: "b", Type: "reference", Target: "beta"}}}, "beta")
	beta := collection(t, &loader.Definition{Name: "beta", Fields: []loader.FieldDefinition{{Name: "a", Type: "reference", Target: "alpha"}}}, "alpha")

	first := e.SyncCollections(ctx, []*schema.Collection{alpha, beta})
	require.NoError(t, first.Errors())
	assert.Contains(t, first.Results["alpha"].Warnings, "foreign key b -> beta deferred: table beta does not exist yet")

	for pass := 2; pass <= 3; pass++ {
		report := e.SyncCollections(ctx, []*schema.Collection{alpha, beta})
		require.NoError(t, report.Errors())
		assert.Equal(t, StatusUnchanged, report.Results["alpha"].Status, "pass %d", pass)
		assert.Contains(t, report.Results["alpha"].Warnings,
			"foreign key b -> beta missing: sqlite cannot add a foreign key to an existing column", "pass %d", pass)
		assert.Equal(t, StatusUnchanged, report.Results["beta"].Status, "pass %d", pass)
		assert.Equal(t, first.Results["alpha"].Version, report.Results["alpha"].Version)
	}

	cols, err := s.Columns(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, "alpha", cols[3].References)
}

func TestFullCollectionSync_SecondPassIsNoOp(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	src := loader.NewMemorySource("memory",
		&loader.Definition{Name: "authors", Fields: []loader.FieldDefinition{{Name: "name", Type: "string"}}},
		&loader.Definition{Name: "posts", Fields: []loader.FieldDefinition{
			{Name: "title", Type: "string", Required: true},
			{Name: "author", Type: "reference", Target: "authors"},
		}},
	)
	e := newEngine(t, s, WithLoader(loader.NewLoader(zaptest.NewLogger(t), src)))

	first := e.FullCollectionSync(ctx)
	require.False(t, first.Failed())
	assert.Equal(t, 2, first.Count(StatusCreated))

	second := e.FullCollectionSync(ctx)
	require.False(t, second.Failed())
	assert.Equal(t, 2, second.Count(StatusUnchanged))
	for name, res := range second.Results {
		assert.Empty(t, res.Created, name)
		assert.Empty(t, res.Altered, name)
		assert.Empty(t, res.Statements, name)
		assert.Equal(t, first.Results[name].Version, res.Version, name)
	}

	history, err := e.History(ctx, "posts")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSyncCollection_FailedStatementRollsBackWholePlan(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)
	ctx := context.Background()

	require.Equal(t, StatusCreated, e.SyncCollection(ctx, collection(t, postsDef())).Status)
	_, err := s.ExecContext(ctx, `INSERT INTO posts (id, title) VALUES ('p1', 'first'), ('p2', 'second')`)
	require.NoError(t, err)

	// summary is added first; the unique index on code then fails on the
	// two rows sharing its default
	res := e.SyncCollection(ctx, collection(t, postsDef(
		loader.FieldDefinition{Name: "summary", Type: "text"},
		loader.FieldDefinition{Name: "code", Type: "string", Unique: true, Default: "dup"},
	)))

	assert.Equal(t, StatusFailed, res.Status)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, 1, res.Attempts)

	var syncErr *SyncError
	require.ErrorAs(t, res.Err(), &syncErr)
	assert.True(t, syncErr.RolledBack)

	assert.Equal(t, []string{"id", "created_at", "updated_at", "title", "views"}, columnNames(t, s, "posts"))

	history, err := e.History(ctx, "posts")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSyncCollection_CacheHitRechecksLiveColumns(t *testing.T) {
	s := openStore(t)
	c := cache.NewMemoryCache()
	defer c.Close()
	e := newEngine(t, s, WithCache(c))
	ctx := context.Background()
	col := collection(t, postsDef())

	require.Equal(t, StatusCreated, e.SyncCollection(ctx, col).Status)

	_, err := s.ExecContext(ctx, `ALTER TABLE posts DROP COLUMN views`)
	require.NoError(t, err)

	res := e.SyncCollection(ctx, col)
	require.Empty(t, res.Errors)
	assert.Equal(t, StatusAltered, res.Status)
	assert.Equal(t, []string{"views"}, res.Created)

	_, err = s.ExecContext(ctx, `ALTER TABLE posts ADD COLUMN legacy TEXT`)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res = e.SyncCollection(ctx, col)
		require.Empty(t, res.Errors)
		assert.Equal(t, StatusUnchanged, res.Status)
		assert.Equal(t, []string{"legacy"}, res.Orphaned)
		assert.Contains(t, res.Warnings, "column legacy is orphaned: not declared by the collection")
	}
}
