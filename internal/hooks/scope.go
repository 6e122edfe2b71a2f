package hooks

import (
	"context"
	"sync"
)

type scopeState struct {
	name string
	seq  uint64

	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
	removed  bool
}

func newScopeState(name string, seq uint64) *scopeState {
	s := &scopeState{name: name, seq: seq}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *scopeState) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	s.inflight++
	return true
}

func (s *scopeState) exit() {
	s.mu.Lock()
	s.inflight--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// close refuses new invocations and waits until at most reentrant
// invocations remain
func (s *scopeState) close(reentrant int) {
	s.mu.Lock()
	s.removed = true
	for s.inflight > reentrant {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

type activeScopeKey struct{}

type activeScope struct {
	scope  *scopeState
	parent *activeScope
}

func withActiveScope(ctx context.Context, s *scopeState) context.Context {
	parent, _ := ctx.Value(activeScopeKey{}).(*activeScope)
	return context.WithValue(ctx, activeScopeKey{}, &activeScope{scope: s, parent: parent})
}

// activeDepth counts the invocations of s on the call stack carried by ctx
func activeDepth(ctx context.Context, s *scopeState) int {
	if ctx == nil {
		return 0
	}
	n := 0
	for a, _ := ctx.Value(activeScopeKey{}).(*activeScope); a != nil; a = a.parent {
		if a.scope == s {
			n++
		}
	}
	return n
}

// ScopedHookSystem is a HookSystem view bound to one scope. It can only add
// or remove that scope's registrations.
type ScopedHookSystem struct {
	system *HookSystem
	scope  string
}

// Name returns the scope name
func (s *ScopedHookSystem) Name() string { return s.scope }

// On registers handler for hook under this scope
func (s *ScopedHookSystem) On(hook string, handler Handler) error {
	return s.system.On(hook, s.scope, handler)
}

// Emit emits hook on the underlying system
func (s *ScopedHookSystem) Emit(ctx context.Context, hook string, e *Event) ([]Result, error) {
	if e != nil && e.Plugin == "" && s.scope != CoreScope {
		e.Plugin = s.scope
	}
	return s.system.Emit(ctx, hook, e)
}

// Count returns the number of handlers registered by this scope
func (s *ScopedHookSystem) Count() int {
	return s.system.HandlerCount(s.scope)
}

// Remove removes every registration of this scope
func (s *ScopedHookSystem) Remove(ctx context.Context) bool {
	return s.system.RemoveScope(ctx, s.scope)
}
