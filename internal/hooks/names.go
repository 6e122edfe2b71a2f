package hooks

import "regexp"

// Hook names emitted by the sync engine and the plugin manager. Plugins may
// depend on these; adding a name is compatible, renaming one is not.
const (
	// SyncBefore fires once before a sync pass starts. Data["collections"]
	// holds the names about to be synced.
	SyncBefore = "sync:before"
	// SyncAfter fires once after a sync pass. Payload is the report.
	SyncAfter = "sync:after"

	// CollectionBeforeSync fires before each collection is reconciled.
	// Setting Data["skip"] to true skips the collection.
	CollectionBeforeSync = "collection:before_sync"
	// CollectionCreated fires after a collection's table was created
	CollectionCreated = "collection:created"
	// CollectionAltered fires after columns of an existing table changed
	CollectionAltered = "collection:altered"
	// CollectionFailed fires after a collection failed to sync
	CollectionFailed = "collection:failed"
	// CollectionOrphaned fires for each table marked orphaned during cleanup
	CollectionOrphaned = "collection:orphaned"

	PluginEnabled  = "plugin:enabled"
	PluginDisabled = "plugin:disabled"
)

// CoreScope owns built-in handlers
const CoreScope = "core"

// DataSkip is the mutable key of CollectionBeforeSync events
const DataSkip = "skip"

var builtinHooks = map[string]bool{
	SyncBefore:           true,
	SyncAfter:            true,
	CollectionBeforeSync: true,
	CollectionCreated:    true,
	CollectionAltered:    true,
	CollectionFailed:     true,
	CollectionOrphaned:   true,
	PluginEnabled:        true,
	PluginDisabled:       true,
}

// parallelSafe hooks only carry read-only payloads
var parallelSafe = []string{
	SyncAfter,
	CollectionCreated,
	CollectionAltered,
	CollectionFailed,
	CollectionOrphaned,
}

var hookNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(:[a-z][a-z0-9_]*)+$`)

// IsBuiltin reports whether name is emitted by the engine itself
func IsBuiltin(name string) bool {
	return builtinHooks[name]
}

// ValidName reports whether name has the namespace:event shape
func ValidName(name string) bool {
	return hookNamePattern.MatchString(name)
}
