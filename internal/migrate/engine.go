package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conduit-lang/schemasync/internal/cache"
	"github.com/conduit-lang/schemasync/internal/collection/loader"
	"github.com/conduit-lang/schemasync/internal/collection/schema"
	"github.com/conduit-lang/schemasync/internal/collection/validation"
	"github.com/conduit-lang/schemasync/internal/hooks"
	"github.com/conduit-lang/schemasync/internal/store"
)

const (
	// DefaultConcurrency bounds concurrent collection syncs within a wave
	DefaultConcurrency = 4
	// DefaultCacheTTL is how long a reconciled snapshot is trusted
	DefaultCacheTTL = 10 * time.Minute
)

// Options controls destructive behavior, concurrency and retries
type Options struct {
	// Concurrency bounds how many collections of one wave sync at once
	Concurrency int
	// AllowDestructive permits altering columns whose live type is incompatible
	AllowDestructive bool
	// DropOrphanedColumns drops live columns no longer declared
	DropOrphanedColumns bool
	// Retry bounds retries of transient database failures
	Retry store.RetryPolicy
	// CacheTTL is the lifetime of cached snapshots
	CacheTTL time.Duration
}

// DefaultOptions returns conservative defaults: nothing destructive happens
func DefaultOptions() Options {
	return Options{
		Concurrency: DefaultConcurrency,
		Retry:       store.DefaultRetryPolicy(),
		CacheTTL:    DefaultCacheTTL,
	}
}

// Recorder receives sync metrics
type Recorder interface {
	ObserveSync(duration time.Duration)
	ObserveCollection(status string, duration time.Duration)
	ObserveRetry(collection string)
	SetOrphaned(n int)
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithLoader sets the loader used by FullCollectionSync
func WithLoader(l *loader.Loader) EngineOption {
	return func(e *Engine) { e.loader = l }
}

// WithHooks sets the hook system lifecycle events are emitted on
func WithHooks(h *hooks.HookSystem) EngineOption {
	return func(e *Engine) { e.hooks = h }
}

// WithCache sets the snapshot cache
func WithCache(c cache.Cache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.Named("migrate")
		}
	}
}

// WithOptions replaces the engine options
func WithOptions(opts Options) EngineOption {
	return func(e *Engine) { e.opts = opts }
}

// Engine makes the live database match validated collection schemas
type Engine struct {
	store    store.Store
	tracker  *Tracker
	loader   *loader.Loader
	hooks    *hooks.HookSystem
	cache    cache.Cache
	recorder Recorder
	logger   *zap.Logger
	opts     Options

	initMu      sync.Mutex
	initialized bool
}

// NewEngine creates an engine on top of a store
func NewEngine(st store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   st,
		tracker: NewTracker(),
		logger:  zap.NewNop(),
		opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.opts.Concurrency <= 0 {
		e.opts.Concurrency = DefaultConcurrency
	}
	if e.opts.CacheTTL == 0 {
		e.opts.CacheTTL = DefaultCacheTTL
	}
	return e
}

// Options returns the engine options
func (e *Engine) Options() Options {
	return e.opts
}

// Loader returns the loader used by FullCollectionSync, if any
func (e *Engine) Loader() *loader.Loader {
	return e.loader
}

// Initialize creates the bookkeeping tables. It is called lazily by every
// operation and only succeeds once.
func (e *Engine) Initialize(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.initialized {
		return nil
	}

	err := e.retry(ctx, "", func(int) error {
		return e.tracker.Initialize(ctx, e.store)
	})
	if err != nil {
		return err
	}
	e.initialized = true
	return nil
}

// SyncCollection reconciles one collection in its own transaction
func (e *Engine) SyncCollection(ctx context.Context, c *schema.Collection) *CollectionSyncResult {
	if err := e.Initialize(ctx); err != nil {
		return failedResult(c, &SyncError{Collection: c.Name, Err: err}, 0)
	}
	return e.syncOne(ctx, c, uuid.NewString(), nil)
}

// SyncCollections reconciles collections in dependency order. Collections
// in the same wave run concurrently up to Options.Concurrency; a wave starts
// only after the previous one completed. Failures never stop other
// collections. When ctx is cancelled, collections that have not started are
// reported as skipped.
func (e *Engine) SyncCollections(ctx context.Context, collections []*schema.Collection) *Report {
	report := newReport(uuid.NewString())
	e.syncInto(ctx, report, collections)
	return report
}

func (e *Engine) syncInto(ctx context.Context, report *Report, collections []*schema.Collection) {
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		if e.recorder != nil {
			e.recorder.ObserveSync(report.Duration)
		}
		e.emit(ctx, hooks.SyncAfter, &hooks.Event{RunID: report.RunID, Payload: report})
	}()

	byName := make(map[string]*schema.Collection, len(collections))
	for _, c := range collections {
		byName[c.Name] = c
	}

	graph := schema.NewDependencyGraph(collections)
	plan := graph.Plan()
	report.Order = plan.Order()

	brokenAt := make(map[string][]string)
	for _, cycle := range plan.BrokenCycles {
		msg := "dependency cycle " + cycle.String()
		report.Warnings = append(report.Warnings, msg)
		brokenAt[cycle.BrokenAt] = append(brokenAt[cycle.BrokenAt], msg)
		e.logger.Warn("dependency cycle broken", zap.String("cycle", cycle.String()))
	}

	var mu sync.Mutex
	setResult := func(r *CollectionSyncResult) {
		mu.Lock()
		report.Results[r.Collection] = r
		mu.Unlock()
	}
	skipRest := func(from int, reason string) {
		for _, wave := range plan.Waves[from:] {
			for _, name := range wave {
				mu.Lock()
				_, done := report.Results[name]
				mu.Unlock()
				if !done {
					setResult(skippedResult(byName[name], reason))
				}
			}
		}
	}

	if err := e.Initialize(ctx); err != nil {
		report.Err = err
		for _, c := range collections {
			setResult(failedResult(c, &SyncError{Collection: c.Name, Err: err}, 0))
		}
		return
	}

	before := &hooks.Event{RunID: report.RunID, Data: map[string]interface{}{"collections": report.Order}}
	if _, err := e.emitErr(ctx, hooks.SyncBefore, before); err != nil {
		report.Err = fmt.Errorf("sync aborted by %s handler: %w", hooks.SyncBefore, err)
		skipRest(0, report.Err.Error())
		return
	}

	for i, wave := range plan.Waves {
		if ctx.Err() != nil {
			skipRest(i, "sync cancelled before start")
			return
		}

		g := new(errgroup.Group)
		g.SetLimit(e.opts.Concurrency)

		for _, name := range wave {
			c := byName[name]
			warnings := append([]string(nil), brokenAt[name]...)
			for _, dep := range graph.Dependencies(name) {
				mu.Lock()
				depResult := report.Results[dep]
				mu.Unlock()
				if depResult != nil && !depResult.OK() {
					warnings = append(warnings, fmt.Sprintf("dependency %s did not sync (%s)", dep, depResult.Status))
				}
			}

			g.Go(func() error {
				if ctx.Err() != nil {
					setResult(skippedResult(c, "sync cancelled before start"))
					return nil
				}
				setResult(e.syncOne(ctx, c, report.RunID, warnings))
				return nil
			})
		}
		_ = g.Wait()
	}
}

// FullCollectionSync loads, validates and syncs every known collection.
// Load and validation failures become invalid results; the remaining
// collections still sync.
func (e *Engine) FullCollectionSync(ctx context.Context) *Report {
	report := newReport(uuid.NewString())
	if e.loader == nil {
		report.Err = errors.New("no collection loader configured")
		return report
	}

	loaded := e.loader.Load(ctx)
	claimed := make(map[string]bool)
	for _, name := range loaded.ClaimedNames() {
		claimed[name] = true
	}

	for key, errs := range loaded.Errors {
		if claimed[key] && loaded.Modules[key] == nil {
			report.Results[key] = invalidResult(key, errs)
			continue
		}
		report.SourceErrors[key] = append(report.SourceErrors[key], errs...)
	}

	known := loaded.Names()
	var valid []*schema.Collection
	for _, name := range known {
		c, verrs := validation.ValidateCollectionConfig(loaded.Modules[name], known)
		if len(verrs) > 0 {
			errs := make([]error, len(verrs))
			for i, verr := range verrs {
				errs[i] = verr
			}
			report.Results[name] = invalidResult(name, errs)
			e.logger.Warn("collection failed validation", zap.String("collection", name), zap.Error(verrs))
			continue
		}
		valid = append(valid, c)
	}

	if e.recorder != nil {
		for i := 0; i < report.Count(StatusInvalid); i++ {
			e.recorder.ObserveCollection(string(StatusInvalid), 0)
		}
	}

	e.syncInto(ctx, report, valid)

	if report.Err == nil && ctx.Err() == nil {
		orphaned, err := e.orphanCandidates(ctx, loaded.ClaimedNames())
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("orphan detection failed: %v", err))
		} else {
			report.Orphaned = orphaned
		}
	}

	e.logger.Info("sync pass finished",
		zap.String("run_id", report.RunID),
		zap.String("summary", report.Summary()),
		zap.Duration("duration", report.Duration))

	return report
}

// syncOne runs the full per-collection protocol: fingerprint, before-sync
// hook, fast path, transactional apply with bounded retries, bookkeeping,
// cache update and result hooks.
func (e *Engine) syncOne(ctx context.Context, c *schema.Collection, runID string, warnings []string) *CollectionSyncResult {
	start := time.Now()
	log := e.logger.With(zap.String("collection", c.Name), zap.String("run_id", runID))

	finish := func(r *CollectionSyncResult) *CollectionSyncResult {
		r.Duration = time.Since(start)
		if e.recorder != nil {
			e.recorder.ObserveCollection(string(r.Status), r.Duration)
		}
		return r
	}

	fp, err := schema.Fingerprint(c)
	if err != nil {
		return finish(failedResult(c, &SyncError{Collection: c.Name, Err: err}, 0))
	}

	before := &hooks.Event{Collection: c.Name, RunID: runID, Payload: c, Data: map[string]interface{}{hooks.DataSkip: false}}
	if _, err := e.emitErr(ctx, hooks.CollectionBeforeSync, before); err != nil {
		r := failedResult(c, &SyncError{Collection: c.Name, Err: err}, 0)
		r.Fingerprint = fp
		e.emit(ctx, hooks.CollectionFailed, &hooks.Event{Collection: c.Name, RunID: runID, Payload: r})
		return finish(r)
	}
	if before.Bool(hooks.DataSkip) {
		log.Info("collection skipped by hook handler")
		r := skippedResult(c, "skipped by "+hooks.CollectionBeforeSync+" handler")
		r.Fingerprint = fp
		return finish(r)
	}

	if r := e.fastPath(ctx, c, fp); r != nil {
		r.Warnings = append(warnings, r.Warnings...)
		log.Debug("collection unchanged (cached)")
		return finish(r)
	}

	var (
		out      *applied
		attempts int
	)
	err = e.retry(ctx, c.Name, func(attempt int) error {
		attempts = attempt
		var applyErr error
		out, applyErr = e.applyInTx(ctx, c, fp, runID)
		return applyErr
	})

	if err != nil {
		log.Error("collection sync failed", zap.Error(err), zap.Int("attempts", attempts))
		r := failedResult(c, &SyncError{Collection: c.Name, Err: err, RolledBack: true}, attempts)
		r.Fingerprint = fp
		r.Warnings = append(warnings, r.Warnings...)
		e.emit(ctx, hooks.CollectionFailed, &hooks.Event{Collection: c.Name, RunID: runID, Payload: r})
		return finish(r)
	}

	if out.settled() {
		e.remember(ctx, c.Name, fp, out.version, out.columns)
	} else {
		e.forget(ctx, c.Name)
	}

	r := out.result(c, fp, attempts)
	r.Warnings = append(warnings, r.Warnings...)

	switch r.Status {
	case StatusCreated:
		r.Warnings = append(r.Warnings, e.emitWarnings(ctx, hooks.CollectionCreated, &hooks.Event{Collection: c.Name, RunID: runID, Payload: r})...)
	case StatusAltered:
		r.Warnings = append(r.Warnings, e.emitWarnings(ctx, hooks.CollectionAltered, &hooks.Event{Collection: c.Name, RunID: runID, Payload: r})...)
	}

	log.Info("collection synced",
		zap.String("status", string(r.Status)),
		zap.Int64("version", r.Version),
		zap.Int("statements", len(r.Statements)),
		zap.Int("warnings", len(r.Warnings)))

	return finish(r)
}

// applied is what a committed transaction produced
type applied struct {
	plan       *Plan
	statements []string
	version    int64
	created    bool
	adopted    bool
	// columns is the signature of the table after the changes, set only
	// when the plan left nothing to warn about
	columns string
}

// settled reports whether the next pass would find nothing to do or report,
// which is the only state worth caching
func (a *applied) settled() bool {
	return len(a.plan.Warnings) == 0 && len(a.plan.Orphaned) == 0 && !a.adopted
}

func (a *applied) result(c *schema.Collection, fp string, attempts int) *CollectionSyncResult {
	r := &CollectionSyncResult{
		Collection:   c.Name,
		Table:        c.TableName(),
		Status:       StatusUnchanged,
		TableCreated: a.created,
		Orphaned:     a.plan.Orphaned,
		Warnings:     append([]string(nil), a.plan.Warnings...),
		Statements:   a.statements,
		Version:      a.version,
		Fingerprint:  fp,
		Attempts:     attempts,
	}
	if a.adopted {
		r.Warnings = append(r.Warnings, fmt.Sprintf("adopted existing table %s not previously managed", c.TableName()))
	}

	for _, ch := range a.plan.Changes {
		switch ch.Type {
		case ChangeCreateTable:
			for _, col := range ch.Columns {
				r.Created = append(r.Created, col.Name)
			}
		case ChangeAddColumn:
			r.Created = append(r.Created, ch.Column.Name)
		case ChangeAlterColumnType:
			r.Altered = append(r.Altered, ch.Column.Name)
		case ChangeDropColumn:
			r.Dropped = append(r.Dropped, ch.Column.Name)
		case ChangeAddForeignKey:
			r.Altered = append(r.Altered, ch.Column.Name)
		}
	}

	switch {
	case a.created:
		r.Status = StatusCreated
	case len(a.plan.Changes) > 0:
		r.Status = StatusAltered
	}
	return r
}

// applyInTx introspects, plans and applies one collection inside a single
// transaction, then records the migration. Any error rolls everything back.
func (e *Engine) applyInTx(ctx context.Context, c *schema.Collection, fp, runID string) (out *applied, err error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				e.logger.Warn("rollback failed", zap.String("collection", c.Name), zap.Error(rbErr))
			}
		}
	}()

	tables, err := tx.Tables(ctx)
	if err != nil {
		return nil, err
	}
	tableSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		tableSet[t] = true
	}

	table := c.TableName()
	exists := tableSet[table]

	var live []store.ColumnInfo
	if exists {
		if live, err = tx.Columns(ctx, table); err != nil {
			return nil, err
		}
	}

	managed, err := e.tracker.Collection(ctx, tx, c.Name)
	if err != nil {
		return nil, err
	}

	plan := PlanChanges(Diff(c, exists, live, tx.Dialect()), e.opts, tx.Dialect(), tableSet)

	for _, ch := range plan.Changes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.applyChange(ctx, tx, table, ch); err != nil {
			return nil, fmt.Errorf("%s: %w", ch.Description(table), err)
		}
	}

	last, err := e.tracker.Last(ctx, tx, c.Name)
	if err != nil {
		return nil, err
	}

	out = &applied{
		plan:       plan,
		statements: tx.Statements(),
		created:    !exists,
		adopted:    exists && managed == nil,
	}
	if out.settled() {
		after, err := tx.Columns(ctx, table)
		if err != nil {
			return nil, err
		}
		out.columns = columnSignature(after)
	}
	if last != nil {
		out.version = last.Version
	}

	if len(out.statements) > 0 || last == nil || last.Fingerprint != fp {
		out.version++
		err = e.tracker.Record(ctx, tx, &Migration{
			Collection:  c.Name,
			Version:     out.version,
			Fingerprint: fp,
			Statements:  out.statements,
			RunID:       runID,
		})
		if err != nil {
			return nil, err
		}
	}

	if managed == nil || managed.Status != TableManaged || managed.Fingerprint != fp || managed.Table != table {
		err = e.tracker.Upsert(ctx, tx, &ManagedCollection{
			Name:        c.Name,
			Table:       table,
			Status:      TableManaged,
			Fingerprint: fp,
		})
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) applyChange(ctx context.Context, tx store.Tx, table string, ch Change) error {
	switch ch.Type {
	case ChangeCreateTable:
		return tx.CreateTable(ctx, table, ch.Columns)
	case ChangeAddColumn:
		return tx.AddColumn(ctx, table, ch.Column)
	case ChangeAlterColumnType:
		return tx.AlterColumnType(ctx, table, ch.Column)
	case ChangeDropColumn:
		return tx.DropColumn(ctx, table, ch.Column.Name)
	case ChangeAddForeignKey:
		return tx.AddForeignKey(ctx, table, ch.Column)
	}
	return fmt.Errorf("unknown change type %d", ch.Type)
}

// retry runs op under the engine's retry policy, counting retries
func (e *Engine) retry(ctx context.Context, collection string, op func(attempt int) error) error {
	return store.Retry(ctx, e.opts.Retry, e.store.Dialect().IsTransient, func(attempt int) error {
		if attempt > 1 {
			e.logger.Warn("retrying after transient failure",
				zap.String("collection", collection), zap.Int("attempt", attempt))
			if e.recorder != nil {
				e.recorder.ObserveRetry(collection)
			}
		}
		return op(attempt)
	})
}

// snapshot is the cached record of a reconciled collection
type snapshot struct {
	Version int64 `json:"version"`
	// Columns is the live table signature right after the collection settled
	Columns string `json:"columns"`
}

// columnSignature renders the live structure the differ looks at
func columnSignature(cols []store.ColumnInfo) string {
	var b strings.Builder
	for _, col := range cols {
		fmt.Fprintf(&b, "%s %s %s;", col.Name, strings.ToLower(col.Type), col.References)
	}
	return b.String()
}

// fastPath returns an unchanged result when the cache says this exact
// fingerprint was already reconciled, the migration record and managed row
// agree, and the live table still has the columns it had then. It skips the
// transaction, never the introspection.
func (e *Engine) fastPath(ctx context.Context, c *schema.Collection, fp string) *CollectionSyncResult {
	if e.cache == nil {
		return nil
	}

	data, err := e.cache.Get(ctx, cache.CollectionKey(c.Name, fp))
	if err != nil {
		if !cache.IsCacheMiss(err) {
			e.logger.Debug("cache read failed", zap.String("collection", c.Name), zap.Error(err))
		}
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil
	}

	last, err := e.tracker.Last(ctx, e.store, c.Name)
	if err != nil || last == nil || last.Fingerprint != fp || last.Version != snap.Version {
		return nil
	}
	managed, err := e.tracker.Collection(ctx, e.store, c.Name)
	if err != nil || managed == nil || managed.Status != TableManaged || managed.Fingerprint != fp {
		return nil
	}
	live, err := e.store.Columns(ctx, c.TableName())
	if err != nil || columnSignature(live) != snap.Columns {
		return nil
	}

	return &CollectionSyncResult{
		Collection:  c.Name,
		Table:       c.TableName(),
		Status:      StatusUnchanged,
		Version:     last.Version,
		Fingerprint: fp,
	}
}

// remember replaces every cached snapshot of a collection with the current one
func (e *Engine) remember(ctx context.Context, name, fp string, version int64, columns string) {
	if e.cache == nil {
		return
	}
	e.forget(ctx, name)

	data, err := json.Marshal(snapshot{Version: version, Columns: columns})
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, cache.CollectionKey(name, fp), data, e.opts.CacheTTL); err != nil {
		e.logger.Debug("cache write failed", zap.String("collection", name), zap.Error(err))
	}
}

func (e *Engine) forget(ctx context.Context, name string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.DeletePrefix(ctx, cache.CollectionPrefix(name)); err != nil {
		e.logger.Debug("cache invalidation failed", zap.String("collection", name), zap.Error(err))
	}
}

func (e *Engine) emitErr(ctx context.Context, hook string, ev *hooks.Event) ([]hooks.Result, error) {
	if e.hooks == nil {
		return nil, nil
	}
	return e.hooks.Emit(ctx, hook, ev)
}

// emit dispatches an informational hook; handler failures are only logged
func (e *Engine) emit(ctx context.Context, hook string, ev *hooks.Event) {
	for _, w := range e.emitWarnings(ctx, hook, ev) {
		e.logger.Warn(w)
	}
}

// emitWarnings dispatches an informational hook and returns handler
// failures as warnings
func (e *Engine) emitWarnings(ctx context.Context, hook string, ev *hooks.Event) []string {
	results, err := e.emitErr(ctx, hook, ev)
	if err == nil {
		return nil
	}

	var warnings []string
	for _, res := range results {
		if res.Err != nil {
			warnings = append(warnings, fmt.Sprintf("%s handler in scope %s failed: %v", hook, res.Scope, res.Err))
		}
	}
	if len(warnings) == 0 {
		warnings = append(warnings, fmt.Sprintf("%s: %v", hook, err))
	}
	sort.Strings(warnings)
	return warnings
}

func failedResult(c *schema.Collection, err error, attempts int) *CollectionSyncResult {
	return &CollectionSyncResult{
		Collection: c.Name,
		Table:      c.TableName(),
		Status:     StatusFailed,
		Errors:     []error{err},
		Attempts:   attempts,
	}
}

func skippedResult(c *schema.Collection, reason string) *CollectionSyncResult {
	return &CollectionSyncResult{
		Collection: c.Name,
		Table:      c.TableName(),
		Status:     StatusSkipped,
		Warnings:   []string{reason},
	}
}

func invalidResult(name string, errs []error) *CollectionSyncResult {
	return &CollectionSyncResult{
		Collection: name,
		Table:      name,
		Status:     StatusInvalid,
		Errors:     errs,
	}
}
