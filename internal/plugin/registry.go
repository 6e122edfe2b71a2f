package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// UnregisterFunc runs after a plugin was removed from the registry
type UnregisterFunc func(ctx context.Context, name string)

type entry struct {
	plugin  *Plugin
	status  Status
	reasons []string
}

// Registry holds plugin definitions and their lifecycle state
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	callbacks []UnregisterFunc
	logger    *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.Named("plugins"),
	}
}

// Register stores a plugin in registered status
func (r *Registry) Register(p *Plugin) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("plugin must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[p.Name]; exists {
		return &DuplicateNameError{Name: p.Name}
	}
	r.entries[p.Name] = &entry{plugin: p, status: StatusRegistered}
	r.logger.Debug("plugin registered", zap.String("plugin", p.Name), zap.String("version", p.Version))
	return nil
}

// OnUnregister adds a callback run for every unregistered plugin
func (r *Registry) OnUnregister(fn UnregisterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Unregister removes a plugin and runs the unregister callbacks, which
// remove its hook scope and collection source. Existing tables are not
// touched.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.entries[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.entries, name)
	callbacks := append([]UnregisterFunc(nil), r.callbacks...)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(ctx, name)
	}
	r.logger.Info("plugin unregistered", zap.String("plugin", name))
	return nil
}

// Get returns a plugin definition
func (r *Registry) Get(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Info returns the state of one plugin
func (r *Registry) Info(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// Status returns the status of a plugin, or the empty status if unknown
func (r *Registry) Status(name string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.status
	}
	return ""
}

// List returns every plugin sorted by name
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enabled returns the enabled plugin definitions sorted by name
func (r *Registry) Enabled() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Plugin
	for _, e := range r.entries {
		if e.status == StatusEnabled {
			out = append(out, e.plugin)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) setStatus(name string, status Status, reasons []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.status = status
		e.reasons = reasons
	}
}

func (e *entry) info() Info {
	info := Info{
		Name:           e.plugin.Name,
		Version:        e.plugin.Version,
		Description:    e.plugin.Description,
		Dependencies:   append([]string(nil), e.plugin.Dependencies...),
		Status:         e.status,
		FailureReasons: append([]string(nil), e.reasons...),
	}
	for _, def := range e.plugin.Collections {
		info.Collections = append(info.Collections, def.Name)
	}
	return info
}
