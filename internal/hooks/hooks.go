// Package hooks implements the named-event runtime plugins use to observe
// and influence the sync engine. Every handler belongs to a scope; removing
// a scope removes all of its handlers as one unit.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Observer receives one call per handler invocation
type Observer interface {
	ObserveHook(hook, scope string, duration time.Duration, err error)
}

// Option configures a HookSystem
type Option func(*HookSystem)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(h *HookSystem) {
		if logger != nil {
			h.logger = logger.Named("hooks")
		}
	}
}

// WithObserver reports handler timings to o
func WithObserver(o Observer) Option {
	return func(h *HookSystem) { h.observer = o }
}

type registration struct {
	scope   *scopeState
	seq     uint64
	handler Handler
}

// HookSystem maps hook names to handlers ordered by scope registration time
// and then by registration time within the scope
type HookSystem struct {
	mu       sync.RWMutex
	hooks    map[string][]*registration
	scopes   map[string]*scopeState
	parallel map[string]bool
	seq      uint64

	logger   *zap.Logger
	observer Observer
}

// New creates a HookSystem with the engine's read-only hooks declared parallel-safe
func New(opts ...Option) *HookSystem {
	h := &HookSystem{
		hooks:    make(map[string][]*registration),
		scopes:   make(map[string]*scopeState),
		parallel: make(map[string]bool),
		logger:   zap.NewNop(),
	}
	for _, name := range parallelSafe {
		h.parallel[name] = true
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DeclareParallel marks a hook as parallel-safe: its handlers run
// concurrently, each on a private copy of the event data
func (h *HookSystem) DeclareParallel(hook string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parallel[hook] = true
}

// IsParallel reports whether a hook is dispatched concurrently
func (h *HookSystem) IsParallel(hook string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.parallel[hook]
}

// On appends handler to hook under scope
func (h *HookSystem) On(hook, scope string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("hook %s: nil handler", hook)
	}
	if scope == "" {
		return fmt.Errorf("hook %s: empty scope", hook)
	}
	if !ValidName(hook) {
		return fmt.Errorf("invalid hook name %q: expected namespace:event", hook)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.scopes[scope]
	if !ok {
		h.seq++
		s = newScopeState(scope, h.seq)
		h.scopes[scope] = s
	}

	h.seq++
	reg := &registration{scope: s, seq: h.seq, handler: handler}

	regs := append(h.hooks[hook], reg)
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].scope.seq != regs[j].scope.seq {
			return regs[i].scope.seq < regs[j].scope.seq
		}
		return regs[i].seq < regs[j].seq
	})
	h.hooks[hook] = regs

	h.logger.Debug("registered hook handler", zap.String("hook", hook), zap.String("scope", scope))
	return nil
}

// Emit invokes every handler registered for hook. Sequential hooks share e
// and stop at the first failure, which is returned as a *HandlerError.
// Parallel hooks run all handlers and return their combined errors.
func (h *HookSystem) Emit(ctx context.Context, hook string, e *Event) ([]Result, error) {
	if e == nil {
		e = &Event{}
	}
	e.Hook = hook

	h.mu.RLock()
	regs := append([]*registration(nil), h.hooks[hook]...)
	parallel := h.parallel[hook]
	h.mu.RUnlock()

	if len(regs) == 0 {
		return nil, nil
	}

	if parallel {
		return h.emitParallel(ctx, hook, e, regs)
	}
	return h.emitSequential(ctx, hook, e, regs)
}

func (h *HookSystem) emitSequential(ctx context.Context, hook string, e *Event, regs []*registration) ([]Result, error) {
	results := make([]Result, 0, len(regs))

	for _, reg := range regs {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, ran := h.invoke(ctx, hook, reg, e)
		if !ran {
			continue
		}
		results = append(results, res)
		if res.Err != nil {
			return results, &HandlerError{Hook: hook, Scope: reg.scope.name, Err: res.Err}
		}
	}
	return results, nil
}

func (h *HookSystem) emitParallel(ctx context.Context, hook string, e *Event, regs []*registration) ([]Result, error) {
	results := make([]Result, len(regs))
	ran := make([]bool, len(regs))

	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func(i int, reg *registration) {
			defer wg.Done()
			results[i], ran[i] = h.invoke(ctx, hook, reg, e.isolated())
		}(i, reg)
	}
	wg.Wait()

	var (
		out  = make([]Result, 0, len(regs))
		errs error
	)
	for i, res := range results {
		if !ran[i] {
			continue
		}
		out = append(out, res)
		if res.Err != nil {
			errs = multierr.Append(errs, &HandlerError{Hook: hook, Scope: res.Scope, Err: res.Err})
		}
	}
	return out, errs
}

// invoke runs one handler unless its scope has been removed
func (h *HookSystem) invoke(ctx context.Context, hook string, reg *registration, e *Event) (res Result, ran bool) {
	if !reg.scope.enter() {
		return Result{}, false
	}
	defer reg.scope.exit()

	res.Scope = reg.scope.name
	start := time.Now()

	func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("hook handler panicked",
					zap.String("hook", hook),
					zap.String("scope", reg.scope.name),
					zap.Any("panic", r))
				res.Err = &PanicError{Value: r}
			}
		}()
		res.Err = reg.handler(withActiveScope(ctx, reg.scope), e)
	}()

	res.Duration = time.Since(start)
	if h.observer != nil {
		h.observer.ObserveHook(hook, reg.scope.name, res.Duration, res.Err)
	}
	if res.Err != nil {
		h.logger.Debug("hook handler failed",
			zap.String("hook", hook),
			zap.String("scope", reg.scope.name),
			zap.Error(res.Err))
	}
	return res, true
}

// RemoveScope removes every handler registered under scope. When it returns
// no handler of that scope is running and none will run again. Handlers of
// the scope that are on the current call stack (reached through ctx) are
// not waited for, so a handler may remove its own scope.
func (h *HookSystem) RemoveScope(ctx context.Context, scope string) bool {
	h.mu.Lock()
	s, ok := h.scopes[scope]
	if ok {
		delete(h.scopes, scope)
		for hook, regs := range h.hooks {
			kept := regs[:0:0]
			for _, reg := range regs {
				if reg.scope != s {
					kept = append(kept, reg)
				}
			}
			if len(kept) == 0 {
				delete(h.hooks, hook)
			} else {
				h.hooks[hook] = kept
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		return false
	}

	s.close(activeDepth(ctx, s))
	h.logger.Debug("removed hook scope", zap.String("scope", scope))
	return true
}

// Scope returns a view bound to one scope
func (h *HookSystem) Scope(name string) *ScopedHookSystem {
	return &ScopedHookSystem{system: h, scope: name}
}

// Scopes lists scopes in registration order
func (h *HookSystem) Scopes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	states := make([]*scopeState, 0, len(h.scopes))
	for _, s := range h.scopes {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].seq < states[j].seq })

	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.name
	}
	return names
}

// Hooks lists hook names with at least one handler
func (h *HookSystem) Hooks() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.hooks))
	for name := range h.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handlers returns the scopes of hook's handlers in dispatch order
func (h *HookSystem) Handlers(hook string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	regs := h.hooks[hook]
	scopes := make([]string, len(regs))
	for i, reg := range regs {
		scopes[i] = reg.scope.name
	}
	return scopes
}

// HandlerCount returns how many handlers scope has registered
func (h *HookSystem) HandlerCount(scope string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, regs := range h.hooks {
		for _, reg := range regs {
			if reg.scope.name == scope {
				n++
			}
		}
	}
	return n
}
