package migrate

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
)

// Status is the outcome of syncing one collection
type Status string

const (
	StatusCreated   Status = "created"
	StatusAltered   Status = "altered"
	StatusUnchanged Status = "unchanged"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	// StatusInvalid marks collections that failed to load or validate
	StatusInvalid Status = "invalid"
)

// CollectionSyncResult is the outcome of one sync attempt. It is built once
// and never mutated after being returned.
type CollectionSyncResult struct {
	Collection string
	Table      string
	Status     Status

	TableCreated bool
	Created      []string
	Altered      []string
	Dropped      []string
	// Orphaned lists live columns kept although no longer declared
	Orphaned []string

	Warnings []string
	Errors   []error

	Statements  []string
	Version     int64
	Fingerprint string
	Attempts    int
	Duration    time.Duration
}

// OK reports whether the collection was reconciled or left as is
func (r *CollectionSyncResult) OK() bool {
	switch r.Status {
	case StatusCreated, StatusAltered, StatusUnchanged:
		return true
	}
	return false
}

// Err returns the combined fatal errors, or nil
func (r *CollectionSyncResult) Err() error {
	return multierr.Combine(r.Errors...)
}

// SyncError reports a fatal failure for one collection. Its transaction
// was rolled back; nothing of the attempt was applied.
type SyncError struct {
	Collection string
	Err        error
	RolledBack bool
}

func (e *SyncError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("sync %s failed and was rolled back: %v", e.Collection, e.Err)
	}
	return fmt.Sprintf("sync %s failed: %v", e.Collection, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Report aggregates the results of a sync pass keyed by collection name
type Report struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration

	// Order is the dependency order collections were scheduled in
	Order   []string
	Results map[string]*CollectionSyncResult

	// Warnings holds pass-level warnings such as broken dependency cycles
	Warnings []string
	// SourceErrors holds load failures that could not be attributed to a
	// collection, keyed by origin
	SourceErrors map[string][]error
	// Orphaned lists managed tables no loaded source declares anymore
	Orphaned []string

	// Err is set when the pass itself was aborted
	Err error
}

func newReport(runID string) *Report {
	return &Report{
		RunID:        runID,
		StartedAt:    time.Now(),
		Results:      make(map[string]*CollectionSyncResult),
		SourceErrors: make(map[string][]error),
	}
}

// Names returns the collection names in the report, sorted
func (r *Report) Names() []string {
	names := make([]string, 0, len(r.Results))
	for name := range r.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns how many collections ended with status
func (r *Report) Count(status Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// Failed reports whether any collection failed or the pass was aborted
func (r *Report) Failed() bool {
	if r.Err != nil || len(r.SourceErrors) > 0 {
		return true
	}
	for _, res := range r.Results {
		if res.Status == StatusFailed || res.Status == StatusInvalid {
			return true
		}
	}
	return false
}

// Errors combines every error in the report
func (r *Report) Errors() error {
	err := r.Err
	for _, name := range r.Names() {
		err = multierr.Append(err, r.Results[name].Err())
	}

	origins := make([]string, 0, len(r.SourceErrors))
	for origin := range r.SourceErrors {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	for _, origin := range origins {
		err = multierr.Append(err, multierr.Combine(r.SourceErrors[origin]...))
	}
	return err
}

// Summary returns a one-line summary of the pass
func (r *Report) Summary() string {
	return fmt.Sprintf("%d created, %d altered, %d unchanged, %d skipped, %d failed, %d invalid",
		r.Count(StatusCreated), r.Count(StatusAltered), r.Count(StatusUnchanged),
		r.Count(StatusSkipped), r.Count(StatusFailed), r.Count(StatusInvalid))
}
