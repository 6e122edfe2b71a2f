package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conduit-lang/schemasync/internal/collection/loader"
	"github.com/conduit-lang/schemasync/internal/hooks"
	"github.com/conduit-lang/schemasync/internal/migrate"
	"github.com/conduit-lang/schemasync/internal/plugin"
)

func setup(t *testing.T) (*plugin.Manager, *hooks.HookSystem, *loader.Loader, *Log) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := hooks.New(hooks.WithLogger(logger))
	l := loader.NewLoader(logger)
	reg := plugin.NewRegistry(logger)
	log := NewLog(10)
	require.NoError(t, reg.Register(New(log, logger)))
	return plugin.NewManager(reg, h, l, plugin.WithLogger(logger)), h, l, log
}

func TestLog_EvictsOldest(t *testing.T) {
	log := NewLog(2)
	log.Add(Entry{Hook: "a"})
	log.Add(Entry{Hook: "b"})
	log.Add(Entry{Hook: "c"})

	entries := log.Entries("")
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Hook)
	assert.Equal(t, "c", entries[1].Hook)
	assert.False(t, entries[0].Time.IsZero())
}

func TestAudit_RecordsSyncOutcomes(t *testing.T) {
	m, h, l, log := setup(t)
	ctx := context.Background()

	require.NoError(t, m.Enable(ctx, Name))
	assert.Equal(t, []string{"audit_entries"}, l.AvailableCollectionNames(ctx))

	_, err := h.Emit(ctx, hooks.CollectionCreated, &hooks.Event{
		Collection: "posts",
		RunID:      "run-1",
		Payload: &migrate.CollectionSyncResult{
			Collection: "posts",
			Status:     migrate.StatusCreated,
			Statements: []string{`CREATE TABLE "posts" ()`},
		},
	})
	require.NoError(t, err)

	_, err = h.Emit(ctx, hooks.CollectionFailed, &hooks.Event{
		Collection: "pages",
		Payload: &migrate.CollectionSyncResult{
			Collection: "pages",
			Status:     migrate.StatusFailed,
			Errors:     []error{errors.New("disk full")},
		},
	})
	require.NoError(t, err)

	_, err = h.Emit(ctx, hooks.CollectionOrphaned, &hooks.Event{Collection: "legacy", Payload: "legacy"})
	require.NoError(t, err)

	entries := log.Entries("")
	require.Len(t, entries, 3)
	assert.Equal(t, "created", entries[0].Status)
	assert.Equal(t, `CREATE TABLE "posts" ()`, entries[0].Detail)
	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, "disk full", entries[1].Detail)
	assert.Equal(t, "orphaned", entries[2].Status)

	require.NoError(t, m.Disable(ctx, Name))
	_, err = h.Emit(ctx, hooks.CollectionCreated, &hooks.Event{Collection: "tags"})
	require.NoError(t, err)
	assert.Equal(t, 3, log.Len(), "disabled plugin records nothing")
}

func TestAudit_ServesEntries(t *testing.T) {
	m, _, _, log := setup(t)
	require.NoError(t, m.Enable(context.Background(), Name))

	log.Add(Entry{Hook: hooks.CollectionCreated, Collection: "posts"})
	log.Add(Entry{Hook: hooks.CollectionAltered, Collection: "pages"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugins/audit/entries/pages", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Version, rec.Header().Get("X-Audit-Version"))

	var body struct {
		Entries []Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "pages", body.Entries[0].Collection)

	assert.Len(t, m.AdminPages(), 1)
	assert.Equal(t, "Audit", m.MenuItems()[0].Label)
}
