package migrate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/conduit-lang/schemasync/internal/hooks"
)

// ConfirmDrop must be passed to DropOrphanedCollections to drop tables
const ConfirmDrop = "drop-orphaned-tables"

// ErrNotConfirmed is returned when a drop is requested without confirmation
var ErrNotConfirmed = errors.New("dropping orphaned tables requires explicit confirmation")

// CleanupRemovedCollections marks managed tables whose collection is not in
// known as orphaned and returns their names, sorted. Nothing is dropped.
// Bookkeeping rows whose table no longer exists are forgotten.
func (e *Engine) CleanupRemovedCollections(ctx context.Context, known []string) ([]string, error) {
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(known))
	for _, name := range known {
		keep[name] = true
	}

	var (
		orphaned  []string
		marked    []*ManagedCollection
		forgotten []string
	)
	err := e.retry(ctx, "", func(int) error {
		var err error
		orphaned, marked, forgotten, err = e.markOrphaned(ctx, keep)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, name := range forgotten {
		e.forget(ctx, name)
	}
	for _, row := range marked {
		e.forget(ctx, row.Name)
		e.logger.Warn("collection orphaned", zap.String("collection", row.Name), zap.String("table", row.Table))
		e.emit(ctx, hooks.CollectionOrphaned, &hooks.Event{Collection: row.Name, Payload: row.Table})
	}

	sort.Strings(orphaned)
	if e.recorder != nil {
		e.recorder.SetOrphaned(len(orphaned))
	}
	return orphaned, nil
}

// markOrphaned marks every undeclared managed table in one transaction, so a
// retried attempt starts from the same rows and reports the same marks
func (e *Engine) markOrphaned(ctx context.Context, keep map[string]bool) (orphaned []string, marked []*ManagedCollection, forgotten []string, err error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	tables, err := tx.Tables(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	live := make(map[string]bool, len(tables))
	for _, t := range tables {
		live[t] = true
	}

	rows, err := e.tracker.Collections(ctx, tx)
	if err != nil {
		return nil, nil, nil, err
	}

	for _, row := range rows {
		if keep[row.Name] {
			continue
		}
		if !live[row.Table] {
			if err = e.tracker.Remove(ctx, tx, row.Name); err != nil {
				return nil, nil, nil, err
			}
			forgotten = append(forgotten, row.Name)
			continue
		}
		if row.Status != TableOrphaned {
			if err = e.tracker.SetStatus(ctx, tx, row.Name, TableOrphaned); err != nil {
				return nil, nil, nil, err
			}
			marked = append(marked, row)
		}
		orphaned = append(orphaned, row.Name)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, nil, err
	}
	return orphaned, marked, forgotten, nil
}

// DropOrphanedCollections drops the tables of collections previously marked
// orphaned. It refuses to run unless confirm equals ConfirmDrop and never
// drops a managed table. It returns the collections whose tables were dropped.
func (e *Engine) DropOrphanedCollections(ctx context.Context, names []string, confirm string) ([]string, error) {
	if confirm != ConfirmDrop {
		return nil, ErrNotConfirmed
	}
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}

	var (
		dropped []string
		errs    error
	)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return dropped, multierr.Append(errs, err)
		}

		err := e.retry(ctx, name, func(int) error {
			return e.dropOne(ctx, name)
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		e.forget(ctx, name)
		e.logger.Info("orphaned table dropped", zap.String("collection", name))
		dropped = append(dropped, name)
	}
	return dropped, errs
}

func (e *Engine) dropOne(ctx context.Context, name string) (err error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row, err := e.tracker.Collection(ctx, tx, name)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("collection %s is not tracked", name)
	}
	if row.Status != TableOrphaned {
		return fmt.Errorf("collection %s is %s, only orphaned tables can be dropped", name, row.Status)
	}

	if err = tx.DropTable(ctx, row.Table); err != nil {
		return err
	}
	if err = e.tracker.Remove(ctx, tx, name); err != nil {
		return err
	}
	return tx.Commit()
}

// ManagedCollections returns the managed collections whose table exists
func (e *Engine) ManagedCollections(ctx context.Context) ([]*ManagedCollection, error) {
	rows, err := e.TrackedCollections(ctx)
	if err != nil {
		return nil, err
	}
	live, err := e.liveTables(ctx)
	if err != nil {
		return nil, err
	}

	var out []*ManagedCollection
	for _, row := range rows {
		if row.Status == TableManaged && live[row.Table] {
			out = append(out, row)
		}
	}
	return out, nil
}

// TrackedCollections returns every bookkeeping row, orphaned ones included
func (e *Engine) TrackedCollections(ctx context.Context) ([]*ManagedCollection, error) {
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	var rows []*ManagedCollection
	err := e.retry(ctx, "", func(int) error {
		var err error
		rows, err = e.tracker.Collections(ctx, e.store)
		return err
	})
	return rows, err
}

// IsCollectionManaged reports whether the engine manages a live table for
// the collection
func (e *Engine) IsCollectionManaged(ctx context.Context, name string) (bool, error) {
	if err := e.Initialize(ctx); err != nil {
		return false, err
	}

	var row *ManagedCollection
	err := e.retry(ctx, name, func(int) error {
		var err error
		row, err = e.tracker.Collection(ctx, e.store, name)
		return err
	})
	if err != nil || row == nil || row.Status != TableManaged {
		return false, err
	}

	live, err := e.liveTables(ctx)
	if err != nil {
		return false, err
	}
	return live[row.Table], nil
}

// History returns the applied migrations of a collection in version order,
// or of every collection when name is empty
func (e *Engine) History(ctx context.Context, name string) ([]*Migration, error) {
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	var out []*Migration
	err := e.retry(ctx, name, func(int) error {
		var err error
		out, err = e.tracker.History(ctx, e.store, name)
		return err
	})
	return out, err
}

// orphanCandidates lists managed tables whose collection is not claimed by
// any source, without marking them
func (e *Engine) orphanCandidates(ctx context.Context, claimed []string) ([]string, error) {
	keep := make(map[string]bool, len(claimed))
	for _, name := range claimed {
		keep[name] = true
	}

	rows, err := e.ManagedCollections(ctx)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, row := range rows {
		if !keep[row.Name] {
			out = append(out, row.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) liveTables(ctx context.Context) (map[string]bool, error) {
	var tables []string
	err := e.retry(ctx, "", func(int) error {
		var err error
		tables, err = e.store.Tables(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	live := make(map[string]bool, len(tables))
	for _, t := range tables {
		live[t] = true
	}
	return live, nil
}
