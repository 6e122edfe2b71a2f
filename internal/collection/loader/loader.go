package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// LoadResult is the outcome of one load pass
type LoadResult struct {
	// Modules maps collection name to its loaded definition
	Modules map[string]*Module

	// Errors maps a collection name, or the origin when no name could be
	// read, to the load and conflict errors attached to it
	Errors map[string][]error
}

// Names returns the loaded collection names in sorted order
func (r *LoadResult) Names() []string {
	names := make([]string, 0, len(r.Modules))
	for name := range r.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClaimedNames returns every collection name seen during the pass, including
// names whose definitions failed to load or conflicted
func (r *LoadResult) ClaimedNames() []string {
	seen := make(map[string]bool)
	for name := range r.Modules {
		seen[name] = true
	}
	for key, errs := range r.Errors {
		for _, err := range errs {
			var loadErr *LoadError
			var conflictErr *ConflictError
			if errors.As(err, &conflictErr) || (errors.As(err, &loadErr) && loadErr.Collection != "") {
				seen[key] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *LoadResult) addError(key string, err error) {
	r.Errors[key] = append(r.Errors[key], err)
}

// Loader collects definitions from its sources
type Loader struct {
	mu      sync.RWMutex
	sources []Source
	logger  *zap.Logger
}

// NewLoader creates a loader over the given sources
func NewLoader(logger *zap.Logger, sources ...Source) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		sources: sources,
		logger:  logger.Named("loader"),
	}
}

// AddSource registers an additional source
func (l *Loader) AddSource(src Source) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.sources {
		if existing.Name() == src.Name() {
			return fmt.Errorf("source %s is already registered", src.Name())
		}
	}
	l.sources = append(l.sources, src)
	return nil
}

// RemoveSource removes a source by name. It reports whether a source was removed.
func (l *Loader) RemoveSource(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, src := range l.sources {
		if src.Name() == name {
			l.sources = append(l.sources[:i:i], l.sources[i+1:]...)
			return true
		}
	}
	return false
}

// Sources returns the registered source names in registration order
func (l *Loader) Sources() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, len(l.sources))
	for i, src := range l.sources {
		names[i] = src.Name()
	}
	return names
}

// Load reads every source. A failing source or definition never aborts the
// pass: its error is attached to the collection, or to the origin when the
// collection name is unknown. Collections declared by more than one source
// are excluded and reported as conflicts.
func (l *Loader) Load(ctx context.Context) *LoadResult {
	l.mu.RLock()
	sources := append([]Source(nil), l.sources...)
	l.mu.RUnlock()

	result := &LoadResult{
		Modules: make(map[string]*Module),
		Errors:  make(map[string][]error),
	}
	claims := make(map[string][]string)

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			result.addError(src.Name(), &LoadError{Origin: src.Name(), Err: err})
			continue
		}

		raws, err := src.Definitions(ctx)
		if err != nil {
			l.logger.Warn("source failed", zap.String("source", src.Name()), zap.Error(err))
			result.addError(src.Name(), &LoadError{Origin: src.Name(), Err: err})
			continue
		}

		for _, raw := range raws {
			mod, name, err := parseRaw(raw)
			if name == "" {
				l.logger.Warn("unparseable definition", zap.String("origin", raw.Origin), zap.Error(err))
				result.addError(raw.Origin, &LoadError{Origin: raw.Origin, Err: err})
				continue
			}

			claims[name] = append(claims[name], raw.Origin)
			if err != nil {
				l.logger.Warn("invalid definition",
					zap.String("collection", name),
					zap.String("origin", raw.Origin),
					zap.Error(err))
				result.addError(name, &LoadError{Origin: raw.Origin, Collection: name, Err: err})
				continue
			}
			if _, exists := result.Modules[name]; !exists {
				result.Modules[name] = mod
			}
		}
	}

	for name, origins := range claims {
		if len(origins) < 2 {
			continue
		}
		delete(result.Modules, name)
		l.logger.Warn("duplicate collection", zap.String("collection", name), zap.Strings("origins", origins))
		result.addError(name, &ConflictError{Collection: name, Origins: origins})
	}

	l.logger.Debug("load complete",
		zap.Int("modules", len(result.Modules)),
		zap.Int("failed", len(result.Errors)))

	return result
}

// AvailableCollectionNames returns the names that currently load cleanly,
// regardless of whether they would pass validation
func (l *Loader) AvailableCollectionNames(ctx context.Context) []string {
	return l.Load(ctx).Names()
}

// parseRaw turns a raw definition into a module. The returned name is empty
// when the collection could not be identified at all.
func parseRaw(raw RawDefinition) (*Module, string, error) {
	def := raw.Definition
	if def == nil {
		if raw.Data == nil {
			return nil, "", errors.New("empty definition")
		}
		parsed, err := ParseDefinition(raw.Data)
		if err != nil {
			return nil, salvageName(raw.Data), err
		}
		def = parsed
	}

	if def.Name == "" {
		return nil, "", errors.New("definition has no name")
	}

	return &Module{
		Name:       def.Name,
		Origin:     raw.Origin,
		Definition: def,
	}, def.Name, nil
}
