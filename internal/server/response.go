package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/conduit-lang/schemasync/internal/migrate"
	"github.com/conduit-lang/schemasync/internal/plugin"
)

type errorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps plugin and engine errors to status codes
func writeError(w http.ResponseWriter, err error) {
	var (
		dependency *plugin.DependencyError
		dependents *plugin.DependentsError
		duplicate  *plugin.DuplicateNameError
		invalid    *plugin.PluginValidationError
	)

	switch {
	case errors.Is(err, plugin.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid_plugin", Message: err.Error(), Reasons: invalid.Reasons})
	case errors.As(err, &dependency), errors.As(err, &dependents), errors.As(err, &duplicate):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", Message: err.Error()})
	case errors.Is(err, migrate.ErrNotConfirmed):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "not_confirmed", Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_server_error", Message: err.Error()})
	}
}

type resultView struct {
	Collection   string   `json:"collection"`
	Status       string   `json:"status"`
	Version      int64    `json:"version,omitempty"`
	TableCreated bool     `json:"table_created,omitempty"`
	Created      []string `json:"created,omitempty"`
	Altered      []string `json:"altered,omitempty"`
	Dropped      []string `json:"dropped,omitempty"`
	Orphaned     []string `json:"orphaned,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	Attempts     int      `json:"attempts,omitempty"`
}

type reportView struct {
	RunID       string       `json:"run_id"`
	Summary     string       `json:"summary"`
	Failed      bool         `json:"failed"`
	Duration    string       `json:"duration"`
	Order       []string     `json:"order"`
	Collections []resultView `json:"collections"`
	Warnings    []string     `json:"warnings,omitempty"`
	Orphaned    []string     `json:"orphaned,omitempty"`
	Error       string       `json:"error,omitempty"`

	// SourceErrors are load failures not attributable to a collection
	SourceErrors []string `json:"source_errors,omitempty"`
}

func newReportView(r *migrate.Report) reportView {
	v := reportView{
		RunID:       r.RunID,
		Summary:     r.Summary(),
		Failed:      r.Failed(),
		Duration:    r.Duration.Round(time.Millisecond).String(),
		Order:       r.Order,
		Collections: make([]resultView, 0, len(r.Results)),
		Warnings:    append([]string(nil), r.Warnings...),
		Orphaned:    r.Orphaned,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	for _, name := range r.Names() {
		res := r.Results[name]
		rv := resultView{
			Collection:   res.Collection,
			Status:       string(res.Status),
			Version:      res.Version,
			TableCreated: res.TableCreated,
			Created:      res.Created,
			Altered:      res.Altered,
			Dropped:      res.Dropped,
			Orphaned:     res.Orphaned,
			Warnings:     res.Warnings,
			Attempts:     res.Attempts,
		}
		for _, err := range res.Errors {
			rv.Errors = append(rv.Errors, err.Error())
		}
		v.Collections = append(v.Collections, rv)
	}
	origins := make([]string, 0, len(r.SourceErrors))
	for origin := range r.SourceErrors {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	for _, origin := range origins {
		for _, err := range r.SourceErrors[origin] {
			v.SourceErrors = append(v.SourceErrors, origin+": "+err.Error())
		}
	}
	return v
}

type collectionView struct {
	Name        string    `json:"name"`
	Table       string    `json:"table"`
	Status      string    `json:"status"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type migrationView struct {
	Collection  string    `json:"collection"`
	Version     int64     `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	Statements  []string  `json:"statements"`
	RunID       string    `json:"run_id"`
	AppliedAt   time.Time `json:"applied_at"`
}
