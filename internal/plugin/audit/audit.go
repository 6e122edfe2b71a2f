// Package audit is a bundled plugin that keeps a bounded log of sync
// outcomes and serves it over HTTP.
package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/conduit-lang/schemasync/internal/collection/loader"
	"github.com/conduit-lang/schemasync/internal/hooks"
	"github.com/conduit-lang/schemasync/internal/migrate"
	"github.com/conduit-lang/schemasync/internal/plugin"
)

const (
	// Name is the plugin name and hook scope
	Name    = "audit"
	Version = "1.0.0"

	// DefaultCapacity is the number of entries kept
	DefaultCapacity = 500
)

// Entry is one recorded lifecycle event
type Entry struct {
	Time       time.Time `json:"time"`
	Hook       string    `json:"hook"`
	Collection string    `json:"collection,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Log is a bounded, concurrency-safe list of entries; the oldest entries
// are evicted first
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
}

// NewLog creates a log keeping at most capacity entries
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// Add appends an entry
func (l *Log) Add(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	l.entries = append(l.entries, e)
	if over := len(l.entries) - l.capacity; over > 0 {
		l.entries = append([]Entry(nil), l.entries[over:]...)
	}
}

// Entries returns the entries oldest first. A non-empty collection filters
// them.
func (l *Log) Entries(collection string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if collection == "" || e.Collection == collection {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// New returns the audit plugin recording into log
func New(log *Log, logger *zap.Logger) *plugin.Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &auditor{log: log, logger: logger.Named(Name)}

	return &plugin.Plugin{
		Name:        Name,
		Version:     Version,
		Description: "Records collection sync outcomes",
		Routes: []plugin.Route{
			{Method: http.MethodGet, Pattern: "/plugins/audit/entries", Handler: a.listEntries, Name: "audit.entries"},
			{Method: http.MethodGet, Pattern: "/plugins/audit/entries/{collection}", Handler: a.listEntries, Name: "audit.collection"},
		},
		AdminPages: []plugin.AdminPage{{Path: "/admin/audit", Title: "Audit log"}},
		MenuItems:  []plugin.MenuItem{{Label: "Audit", Path: "/admin/audit", Icon: "list", Order: 90}},
		Middleware: []plugin.Middleware{versionHeader},
		Collections: []*loader.Definition{{
			Name:  "audit_entries",
			Label: "Audit entries",
			Fields: []loader.FieldDefinition{
				{Name: "hook", Type: "string", Required: true},
				{Name: "collection_name", Type: "string"},
				{Name: "run_id", Type: "string"},
				{Name: "status", Type: "select", Options: []string{"created", "altered", "failed", "orphaned", "completed"}},
				{Name: "detail", Type: "text"},
				{Name: "recorded_at", Type: "datetime", Required: true},
			},
		}},
		Hooks: []plugin.HookBinding{
			{Hook: hooks.CollectionCreated, Handler: a.recordResult},
			{Hook: hooks.CollectionAltered, Handler: a.recordResult},
			{Hook: hooks.CollectionFailed, Handler: a.recordResult},
			{Hook: hooks.CollectionOrphaned, Handler: a.recordOrphaned},
			{Hook: hooks.SyncAfter, Handler: a.recordPass},
		},
	}
}

type auditor struct {
	log    *Log
	logger *zap.Logger
}

func (a *auditor) recordResult(ctx context.Context, e *hooks.Event) error {
	entry := Entry{Hook: e.Hook, Collection: e.Collection, RunID: e.RunID}
	if res, ok := e.Payload.(*migrate.CollectionSyncResult); ok {
		entry.Status = string(res.Status)
		if err := res.Err(); err != nil {
			entry.Detail = err.Error()
		} else if len(res.Statements) > 0 {
			entry.Detail = res.Statements[len(res.Statements)-1]
		}
	}
	a.log.Add(entry)
	return nil
}

func (a *auditor) recordOrphaned(ctx context.Context, e *hooks.Event) error {
	entry := Entry{Hook: e.Hook, Collection: e.Collection, Status: "orphaned"}
	if table, ok := e.Payload.(string); ok {
		entry.Detail = "table " + table + " kept"
	}
	a.log.Add(entry)
	return nil
}

func (a *auditor) recordPass(ctx context.Context, e *hooks.Event) error {
	report, ok := e.Payload.(*migrate.Report)
	if !ok {
		return nil
	}
	a.log.Add(Entry{Hook: e.Hook, RunID: report.RunID, Status: "completed", Detail: report.Summary()})
	return nil
}

func (a *auditor) listEntries(w http.ResponseWriter, r *http.Request) {
	entries := a.log.Entries(chi.URLParam(r, "collection"))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"entries": entries}); err != nil {
		a.logger.Warn("failed to encode audit entries", zap.Error(err))
	}
}

func versionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Audit-Version", Version)
		next.ServeHTTP(w, r)
	})
}
