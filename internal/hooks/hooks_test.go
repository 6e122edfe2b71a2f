package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

func record(calls *[]string, mu *sync.Mutex, name string) Handler {
	return func(ctx context.Context, e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		*calls = append(*calls, name)
		return nil
	}
}

func TestEmit_OrdersByScopeThenRegistration(t *testing.T) {
	h := New(WithLogger(zaptest.NewLogger(t)))
	var (
		calls []string
		mu    sync.Mutex
	)

	require.NoError(t, h.On("test:event", "blog", record(&calls, &mu, "blog-1")))
	require.NoError(t, h.On("other:event", "seo", record(&calls, &mu, "seo-other")))
	require.NoError(t, h.On("test:event", CoreScope, record(&calls, &mu, "core-1")))
	require.NoError(t, h.On("test:event", "seo", record(&calls, &mu, "seo-1")))
	require.NoError(t, h.On("test:event", "blog", record(&calls, &mu, "blog-2")))

	results, err := h.Emit(context.Background(), "test:event", &Event{})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, []string{"blog-1", "blog-2", "seo-1", "core-1"}, calls)
	assert.Equal(t, []string{"blog", "blog", "seo", "core"}, h.Handlers("test:event"))
	assert.Equal(t, []string{"blog", "seo", "core"}, h.Scopes())
}

func TestEmit_SequentialSharesMutableData(t *testing.T) {
	h := New()

	require.NoError(t, h.On(CollectionBeforeSync, "a", func(ctx context.Context, e *Event) error {
		e.Set("title", "draft")
		return nil
	}))
	require.NoError(t, h.On(CollectionBeforeSync, "b", func(ctx context.Context, e *Event) error {
		v, _ := e.Get("title")
		e.Set("title", v.(string)+"!")
		e.Set(DataSkip, true)
		return nil
	}))

	e := &Event{Collection: "posts"}
	_, err := h.Emit(context.Background(), CollectionBeforeSync, e)
	require.NoError(t, err)

	assert.Equal(t, CollectionBeforeSync, e.Hook)
	assert.Equal(t, "draft!", e.Data["title"])
	assert.True(t, e.Bool(DataSkip))
}

func TestEmit_SequentialFailureAbortsAndNamesScope(t *testing.T) {
	h := New()
	var ran []string

	require.NoError(t, h.On("test:event", "first", func(ctx context.Context, e *Event) error {
		ran = append(ran, "first")
		return nil
	}))
	boom := errors.New("boom")
	require.NoError(t, h.On("test:event", "second", func(ctx context.Context, e *Event) error {
		ran = append(ran, "second")
		return boom
	}))
	require.NoError(t, h.On("test:event", "third", func(ctx context.Context, e *Event) error {
		ran = append(ran, "third")
		return nil
	}))

	results, err := h.Emit(context.Background(), "test:event", nil)
	require.Error(t, err)

	var hErr *HandlerError
	require.True(t, errors.As(err, &hErr))
	assert.Equal(t, "second", hErr.Scope)
	assert.Equal(t, "test:event", hErr.Hook)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"first", "second"}, ran)
	assert.Len(t, results, 2)
}

func TestEmit_ParallelRunsAllAndAggregates(t *testing.T) {
	h := New()
	h.DeclareParallel("test:parallel")
	assert.True(t, h.IsParallel("test:parallel"))

	var count int32
	started := make(chan struct{}, 3)
	release := make(chan struct{})

	for _, scope := range []string{"a", "b", "c"} {
		scope := scope
		require.NoError(t, h.On("test:parallel", scope, func(ctx context.Context, e *Event) error {
			started <- struct{}{}
			<-release
			atomic.AddInt32(&count, 1)
			e.Set("touched", scope)
			if scope != "b" {
				return errors.New(scope + " failed")
			}
			return nil
		}))
	}

	done := make(chan struct{})
	e := &Event{Data: map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}}
	var (
		results []Result
		err     error
	)
	go func() {
		results, err = h.Emit(context.Background(), "test:parallel", e)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("handlers did not run concurrently")
		}
	}
	close(release)
	<-done

	assert.Equal(t, int32(3), count)
	assert.Len(t, results, 3)
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)

	var hErr *HandlerError
	require.True(t, errors.As(errs[0], &hErr))
	assert.Equal(t, "a", hErr.Scope)
	require.True(t, errors.As(errs[1], &hErr))
	assert.Equal(t, "c", hErr.Scope)

	_, touched := e.Data["touched"]
	assert.False(t, touched, "parallel handlers work on private copies")
}

func TestEmit_PanicIsRecovered(t *testing.T) {
	h := New()
	require.NoError(t, h.On("test:event", "bad", func(ctx context.Context, e *Event) error {
		panic("kaboom")
	}))

	_, err := h.Emit(context.Background(), "test:event", nil)
	var pErr *PanicError
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, "kaboom", pErr.Value)
}

func TestOn_RejectsInvalidRegistrations(t *testing.T) {
	h := New()
	noop := func(context.Context, *Event) error { return nil }

	assert.Error(t, h.On("nocolon", "a", noop))
	assert.Error(t, h.On("Bad:Name", "a", noop))
	assert.Error(t, h.On("test:event", "", noop))
	assert.Error(t, h.On("test:event", "a", nil))
	assert.NoError(t, h.On("blog:post_published", "a", noop))
}

func TestRemoveScope_RemovesEveryHandler(t *testing.T) {
	h := New()
	var (
		calls []string
		mu    sync.Mutex
	)

	plugin := h.Scope("pluginx")
	require.NoError(t, plugin.On(SyncBefore, record(&calls, &mu, "x-before")))
	require.NoError(t, plugin.On(SyncAfter, record(&calls, &mu, "x-after")))
	require.NoError(t, h.On(SyncBefore, CoreScope, record(&calls, &mu, "core")))
	assert.Equal(t, 2, plugin.Count())

	assert.True(t, plugin.Remove(context.Background()))
	assert.False(t, plugin.Remove(context.Background()))
	assert.Equal(t, 0, plugin.Count())

	_, err := h.Emit(context.Background(), SyncBefore, nil)
	require.NoError(t, err)
	_, err = h.Emit(context.Background(), SyncAfter, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"core"}, calls)
	assert.Equal(t, []string{SyncBefore}, h.Hooks())
}

func TestRemoveScope_WaitsForInFlightHandlers(t *testing.T) {
	h := New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished int32

	require.NoError(t, h.On("test:event", "slow", func(ctx context.Context, e *Event) error {
		close(entered)
		<-release
		atomic.StoreInt32(&finished, 1)
		return nil
	}))

	go h.Emit(context.Background(), "test:event", nil)
	<-entered

	removed := make(chan struct{})
	go func() {
		h.RemoveScope(context.Background(), "slow")
		close(removed)
	}()

	select {
	case <-removed:
		t.Fatal("RemoveScope returned while a handler was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-removed
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestRemoveScope_SnapshotTakenBeforeRemovalDoesNotFire(t *testing.T) {
	h := New()
	var fired int32
	gate := make(chan struct{})

	require.NoError(t, h.On("test:event", "first", func(ctx context.Context, e *Event) error {
		<-gate
		return nil
	}))
	require.NoError(t, h.On("test:event", "victim", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&fired, 1)
		return nil
	}))

	done := make(chan struct{})
	go func() {
		h.Emit(context.Background(), "test:event", nil)
		close(done)
	}()

	// the emission is blocked in "first" and already holds "victim" in its snapshot
	time.Sleep(10 * time.Millisecond)
	h.RemoveScope(context.Background(), "victim")
	close(gate)
	<-done

	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestRemoveScope_FromOwnHandler(t *testing.T) {
	h := New()
	calls := 0

	require.NoError(t, h.On("test:event", "self", func(ctx context.Context, e *Event) error {
		calls++
		h.RemoveScope(ctx, "self")
		return nil
	}))

	_, err := h.Emit(context.Background(), "test:event", nil)
	require.NoError(t, err)
	_, err = h.Emit(context.Background(), "test:event", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestScope_ReRegistrationMovesScopeToEnd(t *testing.T) {
	h := New()
	var (
		calls []string
		mu    sync.Mutex
	)

	require.NoError(t, h.On("test:event", "a", record(&calls, &mu, "a")))
	require.NoError(t, h.On("test:event", "b", record(&calls, &mu, "b")))
	h.RemoveScope(context.Background(), "a")
	require.NoError(t, h.On("test:event", "a", record(&calls, &mu, "a")))

	_, err := h.Emit(context.Background(), "test:event", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, calls)
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveHook(hook, scope string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, hook+"/"+scope)
}

func TestObserverSeesEveryInvocation(t *testing.T) {
	obs := &recordingObserver{}
	h := New(WithObserver(obs))
	require.NoError(t, h.On(SyncAfter, "a", func(context.Context, *Event) error { return nil }))
	require.NoError(t, h.On(SyncAfter, "b", func(context.Context, *Event) error { return nil }))

	_, err := h.Emit(context.Background(), SyncAfter, &Event{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sync:after/a", "sync:after/b"}, obs.calls)
}

func TestScopedEmitStampsPlugin(t *testing.T) {
	h := New()
	var got string
	require.NoError(t, h.On("blog:published", CoreScope, func(ctx context.Context, e *Event) error {
		got = e.Plugin
		return nil
	}))

	_, err := h.Scope("blog").Emit(context.Background(), "blog:published", &Event{})
	require.NoError(t, err)
	assert.Equal(t, "blog", got)
}

func TestDeepCopyRecord(t *testing.T) {
	orig := map[string]interface{}{
		"list":   []interface{}{map[string]interface{}{"a": 1}},
		"names":  []string{"x"},
		"nested": map[string]interface{}{"b": []int{1}},
	}
	cp := deepCopyRecord(orig)

	cp["list"].([]interface{})[0].(map[string]interface{})["a"] = 2
	cp["names"].([]string)[0] = "y"
	cp["nested"].(map[string]interface{})["b"].([]int)[0] = 9

	assert.Equal(t, 1, orig["list"].([]interface{})[0].(map[string]interface{})["a"])
	assert.Equal(t, "x", orig["names"].([]string)[0])
	assert.Equal(t, 1, orig["nested"].(map[string]interface{})["b"].([]int)[0])
}
