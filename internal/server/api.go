package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/conduit-lang/schemasync/internal/migrate"
	"github.com/conduit-lang/schemasync/internal/plugin"
)

// APIOption configures the API
type APIOption func(*API)

// WithMetrics serves h at /metrics
func WithMetrics(h http.Handler) APIOption {
	return func(a *API) { a.metrics = h }
}

// WithAPILogger sets the logger used by the request middleware
func WithAPILogger(logger *zap.Logger) APIOption {
	return func(a *API) {
		if logger != nil {
			a.logger = logger.Named("http")
		}
	}
}

// API exposes sync, collection and plugin management over HTTP. Requests
// matching no API route fall through to the routes of enabled plugins.
type API struct {
	runner  *Runner
	engine  *migrate.Engine
	plugins *plugin.Manager
	metrics http.Handler
	logger  *zap.Logger
}

// NewAPI creates the API
func NewAPI(runner *Runner, plugins *plugin.Manager, opts ...APIOption) *API {
	a := &API{
		runner:  runner,
		engine:  runner.Engine(),
		plugins: plugins,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler builds the router
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID(), Recovery(a.logger), Logging(a.logger, "/healthz", "/metrics"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync", a.sync)
		r.Get("/sync/last", a.lastSync)
		r.Post("/cleanup", a.cleanup)

		r.Get("/collections", a.listCollections)
		r.Get("/collections/{name}/history", a.history)

		r.Get("/plugins", a.listPlugins)
		r.Get("/plugins/{name}", a.getPlugin)
		r.Post("/plugins/{name}/enable", a.enablePlugin)
		r.Post("/plugins/{name}/disable", a.disablePlugin)

		r.Get("/navigation", a.navigation)
	})

	if a.plugins != nil {
		r.NotFound(a.plugins.Handler().ServeHTTP)
	}
	return r
}

func (a *API) sync(w http.ResponseWriter, r *http.Request) {
	report := a.runner.Sync(r.Context())
	status := http.StatusOK
	if report.Err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, newReportView(report))
}

func (a *API) lastSync(w http.ResponseWriter, r *http.Request) {
	report := a.runner.Last()
	if report == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "no sync has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, newReportView(report))
}

// cleanup marks orphaned tables. It never drops: dropping is only offered
// by the CLI with an explicit confirmation.
func (a *API) cleanup(w http.ResponseWriter, r *http.Request) {
	known := a.engine.Loader().Load(r.Context()).ClaimedNames()
	orphaned, err := a.engine.CleanupRemovedCollections(r.Context(), known)
	if err != nil {
		writeError(w, err)
		return
	}
	if orphaned == nil {
		orphaned = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"orphaned": orphaned})
}

func (a *API) listCollections(w http.ResponseWriter, r *http.Request) {
	rows, err := a.engine.TrackedCollections(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]collectionView, 0, len(rows))
	for _, c := range rows {
		out = append(out, collectionView{
			Name:        c.Name,
			Table:       c.Table,
			Status:      string(c.Status),
			Fingerprint: c.Fingerprint,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"collections": out})
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	migrations, err := a.engine.History(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(migrations) == 0 {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "no migrations recorded for " + name})
		return
	}

	out := make([]migrationView, 0, len(migrations))
	for _, m := range migrations {
		out = append(out, migrationView{
			Collection:  m.Collection,
			Version:     m.Version,
			Fingerprint: m.Fingerprint,
			Statements:  m.Statements,
			RunID:       m.RunID,
			AppliedAt:   m.AppliedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"migrations": out})
}

func (a *API) listPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"plugins": a.plugins.Registry().List()})
}

func (a *API) getPlugin(w http.ResponseWriter, r *http.Request) {
	info, ok := a.plugins.Registry().Info(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, plugin.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) enablePlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.plugins.Enable(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	info, _ := a.plugins.Registry().Info(name)
	writeJSON(w, http.StatusOK, info)
}

func (a *API) disablePlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.plugins.Disable(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	info, _ := a.plugins.Registry().Info(name)
	writeJSON(w, http.StatusOK, info)
}

func (a *API) navigation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"menu":  a.plugins.MenuItems(),
		"pages": a.plugins.AdminPages(),
	})
}
