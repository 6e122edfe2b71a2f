package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/conduit-lang/schemasync/internal/collection/loader"
	"github.com/conduit-lang/schemasync/internal/collection/validation"
	"github.com/conduit-lang/schemasync/internal/hooks"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

var httpMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Recorder receives plugin metrics
type Recorder interface {
	SetPluginsEnabled(n int)
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the manager logger
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.Named("plugins")
		}
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// Manager enables and disables plugins. Enabling wires a plugin's hooks
// into the hook system under a scope named after the plugin and its
// collections into the loader; disabling removes both.
type Manager struct {
	registry *Registry
	hooks    *hooks.HookSystem
	loader   *loader.Loader
	recorder Recorder
	logger   *zap.Logger

	// mu serializes lifecycle transitions
	mu     sync.Mutex
	router atomic.Pointer[chi.Mux]
}

// NewManager creates a manager. Unregistering a plugin from the registry
// removes its hook scope and collection source.
func NewManager(registry *Registry, h *hooks.HookSystem, l *loader.Loader, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		hooks:    h,
		loader:   l,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	registry.OnUnregister(func(ctx context.Context, name string) {
		m.hooks.RemoveScope(ctx, name)
		if m.loader != nil {
			m.loader.RemoveSource(SourceName(name))
		}
		m.transitioned()
	})

	m.rebuildRouter()
	return m
}

// Registry returns the plugin registry
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Enable validates a plugin and wires its hooks and collections. It fails
// with a DependencyError unless every dependency is enabled, and with a
// PluginValidationError after moving the plugin to the failed status.
// Enabling an enabled plugin is a no-op.
func (m *Manager) Enable(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if m.registry.Status(name) == StatusEnabled {
		return nil
	}

	var missing []string
	for _, dep := range p.Dependencies {
		if m.registry.Status(dep) != StatusEnabled {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &DependencyError{Plugin: name, Missing: missing}
	}

	if reasons := m.validate(ctx, p); len(reasons) > 0 {
		m.registry.setStatus(name, StatusFailed, reasons)
		m.logger.Warn("plugin failed validation", zap.String("plugin", name), zap.Strings("reasons", reasons))
		return &PluginValidationError{Plugin: name, Reasons: reasons}
	}

	if err := m.wire(ctx, p); err != nil {
		m.registry.setStatus(name, StatusFailed, []string{err.Error()})
		return err
	}

	m.registry.setStatus(name, StatusEnabled, nil)
	m.transitioned()
	m.logger.Info("plugin enabled", zap.String("plugin", name), zap.String("version", p.Version))

	info, _ := m.registry.Info(name)
	m.emit(ctx, hooks.PluginEnabled, &hooks.Event{Plugin: name, Payload: info})
	return nil
}

// wire registers hooks then the collection source; a failure undoes both
func (m *Manager) wire(ctx context.Context, p *Plugin) error {
	scope := m.hooks.Scope(p.Name)
	for _, b := range p.Hooks {
		if b.Parallel {
			m.hooks.DeclareParallel(b.Hook)
		}
		if err := scope.On(b.Hook, b.Handler); err != nil {
			scope.Remove(ctx)
			return fmt.Errorf("failed to register %s handler for plugin %s: %w", b.Hook, p.Name, err)
		}
	}

	if len(p.Collections) > 0 && m.loader != nil {
		src := loader.NewMemorySource(SourceName(p.Name), p.Collections...)
		if err := m.loader.AddSource(src); err != nil {
			scope.Remove(ctx)
			return fmt.Errorf("failed to add collections of plugin %s: %w", p.Name, err)
		}
	}
	return nil
}

// Disable removes a plugin's hook scope and collection source. No handler
// of the plugin runs once Disable returns. It fails with a DependentsError
// while an enabled plugin depends on it. Existing tables are kept.
func (m *Manager) Disable(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disable(ctx, name)
}

func (m *Manager) disable(ctx context.Context, name string) error {
	p, ok := m.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if m.registry.Status(name) != StatusEnabled {
		return nil
	}

	var dependents []string
	for _, other := range m.registry.Enabled() {
		for _, dep := range other.Dependencies {
			if dep == name {
				dependents = append(dependents, other.Name)
			}
		}
	}
	if len(dependents) > 0 {
		return &DependentsError{Plugin: name, Dependents: dependents}
	}

	m.hooks.RemoveScope(ctx, name)
	if m.loader != nil {
		m.loader.RemoveSource(SourceName(name))
	}

	m.registry.setStatus(name, StatusDisabled, nil)
	m.transitioned()
	m.logger.Info("plugin disabled", zap.String("plugin", name), zap.String("version", p.Version))

	info, _ := m.registry.Info(name)
	m.emit(ctx, hooks.PluginDisabled, &hooks.Event{Plugin: name, Payload: info})
	return nil
}

// Unregister disables a plugin if needed, then removes it from the registry
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.disable(ctx, name); err != nil {
		return err
	}
	return m.registry.Unregister(ctx, name)
}

// EnableAll enables every registered plugin in dependency order. Plugins
// whose dependencies cannot be enabled, or that fail validation, are left
// behind; their errors are combined.
func (m *Manager) EnableAll(ctx context.Context) error {
	var errs error
	for _, name := range m.dependencyOrder() {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := m.Enable(ctx, name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// EnableOnly enables the named plugins and their dependencies in dependency
// order
func (m *Manager) EnableOnly(ctx context.Context, names []string) error {
	want := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if want[name] {
			return
		}
		want[name] = true
		if p, ok := m.registry.Get(name); ok {
			for _, dep := range p.Dependencies {
				visit(dep)
			}
		}
	}

	var errs error
	for _, name := range names {
		if _, ok := m.registry.Get(name); !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrNotFound, name))
			continue
		}
		visit(name)
	}

	for _, name := range m.dependencyOrder() {
		if !want[name] {
			continue
		}
		if err := m.Enable(ctx, name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// dependencyOrder sorts registered plugins so dependencies come first.
// Plugins in a dependency cycle are appended last and fail to enable.
func (m *Manager) dependencyOrder() []string {
	infos := m.registry.List()
	deps := make(map[string][]string, len(infos))
	for _, info := range infos {
		deps[info.Name] = info.Dependencies
	}

	var (
		order []string
		done  = make(map[string]bool)
	)
	for len(done) < len(infos) {
		progressed := false
		for _, info := range infos {
			if done[info.Name] {
				continue
			}
			ready := true
			for _, dep := range deps[info.Name] {
				if _, registered := deps[dep]; registered && !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, info.Name)
				done[info.Name] = true
				progressed = true
			}
		}
		if !progressed {
			for _, info := range infos {
				if !done[info.Name] {
					order = append(order, info.Name)
					done[info.Name] = true
				}
			}
		}
	}
	return order
}

// Validate reports why a plugin cannot be enabled, or nil
func (m *Manager) Validate(ctx context.Context, name string) ([]string, error) {
	p, ok := m.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return m.validate(ctx, p), nil
}

func (m *Manager) validate(ctx context.Context, p *Plugin) []string {
	var reasons []string
	add := func(format string, args ...interface{}) {
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	if !namePattern.MatchString(p.Name) {
		add("name %q must be lowercase letters, digits, '-' or '_'", p.Name)
	}
	if p.Name == hooks.CoreScope {
		add("name %q is reserved", p.Name)
	}
	for _, dep := range p.Dependencies {
		if dep == p.Name {
			add("plugin depends on itself")
		}
	}

	taken := m.enabledRoutes(p.Name)
	seen := make(map[string]bool)
	for i, r := range p.Routes {
		key := strings.ToUpper(r.Method) + " " + r.Pattern
		switch {
		case !httpMethods[strings.ToUpper(r.Method)]:
			add("route %d: unsupported method %q", i, r.Method)
		case !strings.HasPrefix(r.Pattern, "/"):
			add("route %d: pattern %q must start with /", i, r.Pattern)
		case r.Handler == nil:
			add("route %s has no handler", key)
		case seen[key]:
			add("route %s is declared twice", key)
		case taken[key] != "":
			add("route %s is already served by plugin %s", key, taken[key])
		}
		seen[key] = true
	}

	for i, mw := range p.Middleware {
		if mw == nil {
			add("middleware %d is nil", i)
		}
	}
	for _, page := range p.AdminPages {
		if !strings.HasPrefix(page.Path, "/") || page.Title == "" {
			add("admin page %q needs a path starting with / and a title", page.Path)
		}
	}
	for _, item := range p.MenuItems {
		if item.Label == "" || item.Path == "" {
			add("menu item %q needs a label and a path", item.Label)
		}
	}

	for _, b := range p.Hooks {
		switch {
		case !hooks.ValidName(b.Hook):
			add("hook %q is not a valid hook name", b.Hook)
		case b.Handler == nil:
			add("hook %s has no handler", b.Hook)
		case b.Parallel && hooks.IsBuiltin(b.Hook) && !m.hooks.IsParallel(b.Hook):
			add("hook %s is a sequential built-in hook and cannot be declared parallel", b.Hook)
		}
	}

	reasons = append(reasons, m.validateCollections(ctx, p)...)
	return reasons
}

func (m *Manager) validateCollections(ctx context.Context, p *Plugin) []string {
	if len(p.Collections) == 0 {
		return nil
	}
	if m.loader == nil {
		return []string{"plugin declares collections but no collection loader is configured"}
	}

	var reasons []string
	available := m.loader.AvailableCollectionNames(ctx)
	existing := make(map[string]bool, len(available))
	for _, name := range available {
		existing[name] = true
	}

	// an enabled plugin's own source already serves its collections
	enabled := m.registry.Status(p.Name) == StatusEnabled

	known := append([]string(nil), available...)
	own := make(map[string]bool)
	for _, def := range p.Collections {
		if def == nil {
			reasons = append(reasons, "collection definition is nil")
			continue
		}
		if own[def.Name] {
			reasons = append(reasons, fmt.Sprintf("collection %s is declared twice", def.Name))
		}
		if existing[def.Name] && !enabled {
			reasons = append(reasons, fmt.Sprintf("collection %s is already declared by another source", def.Name))
		}
		own[def.Name] = true
		known = append(known, def.Name)
	}

	for _, def := range p.Collections {
		if def == nil {
			continue
		}
		mod := &loader.Module{Name: def.Name, Origin: SourceName(p.Name), Definition: def}
		if _, errs := validation.ValidateCollectionConfig(mod, known); len(errs) > 0 {
			for _, err := range errs {
				reasons = append(reasons, err.Error())
			}
		}
	}
	return reasons
}

// enabledRoutes maps "METHOD pattern" to the enabled plugin serving it
func (m *Manager) enabledRoutes(except string) map[string]string {
	taken := make(map[string]string)
	for _, p := range m.registry.Enabled() {
		if p.Name == except {
			continue
		}
		for _, r := range p.Routes {
			taken[strings.ToUpper(r.Method)+" "+r.Pattern] = p.Name
		}
	}
	return taken
}

// Router returns a router serving the routes of the enabled plugins, each
// behind its own middleware
func (m *Manager) Router() chi.Router {
	return m.router.Load()
}

// Handler returns an http.Handler that always dispatches to the current
// router, so routes follow enable and disable without a restart
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.router.Load().ServeHTTP(w, r)
	})
}

func (m *Manager) rebuildRouter() {
	r := chi.NewRouter()
	for _, p := range m.registry.Enabled() {
		if len(p.Routes) == 0 {
			continue
		}
		r.Group(func(g chi.Router) {
			for _, mw := range p.Middleware {
				g.Use(mw)
			}
			for _, route := range p.Routes {
				g.Method(strings.ToUpper(route.Method), route.Pattern, route.Handler)
			}
		})
	}
	m.router.Store(r)
}

// MenuItems returns the menu entries of enabled plugins ordered by Order
// then label
func (m *Manager) MenuItems() []MenuItem {
	var items []MenuItem
	for _, p := range m.registry.Enabled() {
		items = append(items, p.MenuItems...)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return items[i].Label < items[j].Label
	})
	return items
}

// AdminPages returns the admin pages of enabled plugins ordered by path
func (m *Manager) AdminPages() []AdminPage {
	var pages []AdminPage
	for _, p := range m.registry.Enabled() {
		pages = append(pages, p.AdminPages...)
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Path < pages[j].Path })
	return pages
}

func (m *Manager) transitioned() {
	m.rebuildRouter()
	if m.recorder != nil {
		m.recorder.SetPluginsEnabled(len(m.registry.Enabled()))
	}
}

func (m *Manager) emit(ctx context.Context, hook string, ev *hooks.Event) {
	if _, err := m.hooks.Emit(ctx, hook, ev); err != nil {
		var handlerErr *hooks.HandlerError
		if errors.As(err, &handlerErr) {
			m.logger.Warn("hook handler failed", zap.String("hook", hook), zap.String("scope", handlerErr.Scope), zap.Error(handlerErr.Err))
			return
		}
		m.logger.Warn("hook dispatch failed", zap.String("hook", hook), zap.Error(err))
	}
}
