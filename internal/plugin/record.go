package plugin

import "sync"

// Record is the manager's mutable runtime wrapper around one plugin.
// It is replaced wholesale on reload rather than mutated in place, so
// partially-valid state never leaks across a reload. The instance is
// nil when loading failed before an instance existed.
type Record struct {
	mu       sync.Mutex
	name     string
	path     string
	instance *LuaPlugin
	state    State
	err      error
}

func newRecord(name, path string, instance *LuaPlugin) *Record {
	return &Record{
		name:     name,
		path:     path,
		instance: instance,
		state:    StateLoaded,
	}
}

// failedRecord creates a record for a plugin that never produced an
// instance, so the failure stays visible in listings.
func failedRecord(name, path string, err error) *Record {
	return &Record{
		name:  name,
		path:  path,
		state: StateFailed,
		err:   err,
	}
}

// Name returns the plugin name, stable across reloads.
func (r *Record) Name() string { return r.name }

// Path returns the source file the plugin was loaded from.
func (r *Record) Path() string { return r.path }

// Instance returns the plugin instance, or nil if loading failed.
func (r *Record) Instance() *LuaPlugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instance
}

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error recorded by the last failed transition, if any.
func (r *Record) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Meta returns the instance metadata, or a name-only descriptor when
// the instance never existed.
func (r *Record) Meta() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instance == nil {
		return Metadata{Name: r.name}
	}
	return r.instance.Meta()
}

func (r *Record) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *Record) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateFailed
	r.err = err
}
