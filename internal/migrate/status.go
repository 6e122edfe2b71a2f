package migrate

import (
	"context"
	"errors"
	"sort"

	"github.com/conduit-lang/schemasync/internal/collection/schema"
	"github.com/conduit-lang/schemasync/internal/collection/validation"
)

// State describes how a collection compares with the database
type State string

const (
	// StateNew is declared but has no managed table yet
	StateNew State = "new"
	// StatePending is declared and managed but its definition changed
	StatePending State = "pending"
	// StateInSync is declared and matches the last applied migration
	StateInSync State = "in sync"
	// StateInvalid failed to load or validate
	StateInvalid State = "invalid"
	// StateUndeclared is managed but no source declares it anymore
	StateUndeclared State = "undeclared"
	// StateOrphaned was marked orphaned by cleanup
	StateOrphaned State = "orphaned"
)

// CollectionStatus is a read-only comparison of one collection's definition
// with its bookkeeping
type CollectionStatus struct {
	Name    string
	Table   string
	State   State
	Version int64
	Errors  []error
}

// Status compares every declared and every tracked collection without
// changing anything. Results are sorted by name.
func (e *Engine) Status(ctx context.Context) ([]*CollectionStatus, error) {
	if e.loader == nil {
		return nil, errors.New("no collection loader configured")
	}

	tracked, err := e.TrackedCollections(ctx)
	if err != nil {
		return nil, err
	}
	history, err := e.History(ctx, "")
	if err != nil {
		return nil, err
	}

	rows := make(map[string]*ManagedCollection, len(tracked))
	for _, row := range tracked {
		rows[row.Name] = row
	}
	versions := make(map[string]int64)
	for _, m := range history {
		if m.Version > versions[m.Collection] {
			versions[m.Collection] = m.Version
		}
	}

	out := make(map[string]*CollectionStatus)
	loaded := e.loader.Load(ctx)
	for key, errs := range loaded.Errors {
		if loaded.Modules[key] == nil {
			out[key] = &CollectionStatus{Name: key, State: StateInvalid, Errors: errs}
		}
	}

	known := loaded.Names()
	for _, name := range known {
		st := &CollectionStatus{Name: name, Version: versions[name]}
		out[name] = st

		c, verrs := validation.ValidateCollectionConfig(loaded.Modules[name], known)
		if len(verrs) > 0 {
			st.State = StateInvalid
			for _, verr := range verrs {
				st.Errors = append(st.Errors, verr)
			}
			continue
		}
		st.Table = c.TableName()

		fp, err := schema.Fingerprint(c)
		if err != nil {
			st.State = StateInvalid
			st.Errors = []error{err}
			continue
		}

		row := rows[name]
		switch {
		case row == nil:
			st.State = StateNew
		case row.Fingerprint != fp || row.Status == TableOrphaned:
			st.State = StatePending
		default:
			st.State = StateInSync
		}
	}

	for _, row := range tracked {
		if _, declared := out[row.Name]; declared {
			continue
		}
		st := &CollectionStatus{Name: row.Name, Table: row.Table, Version: versions[row.Name], State: StateUndeclared}
		if row.Status == TableOrphaned {
			st.State = StateOrphaned
		}
		out[row.Name] = st
	}

	names := make([]string, 0, len(out))
	for name := range out {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make([]*CollectionStatus, len(names))
	for i, name := range names {
		list[i] = out[name]
	}
	return list, nil
}
