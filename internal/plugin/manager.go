package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wrenbot/wren/internal/depgraph"
)

// Manager owns plugin discovery, loading, and the per-plugin lifecycle
// state machine. It exclusively owns all records; the event bus and
// service registry are owned here and shared by reference with every
// plugin instance.
type Manager struct {
	mu     sync.Mutex
	dir    string
	env    Env
	loader *Loader
	logger *slog.Logger

	records   map[string]*Record
	loadOrder []string          // insertion order, for listings
	order     []string          // resolved dependency order, for unload
	byPath    map[string]string // source path -> plugin name, for hot reload
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager for plugin sources under dir.
func NewManager(dir string, env Env, opts ...ManagerOption) *Manager {
	m := &Manager{
		dir:     dir,
		env:     env,
		logger:  slog.Default(),
		records: make(map[string]*Record),
		byPath:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "plugins")
	m.loader = NewLoader(env, m.logger)
	return m
}

// Discover enumerates candidate plugin source files without loading
// anything.
func (m *Manager) Discover() ([]string, error) {
	return Discover(m.dir)
}

// LoadAll discovers and loads every plugin, resolves dependency order,
// and drives each loaded plugin through setup and enable in that order.
// Failures are isolated per plugin: a bad file or a failing setup marks
// that plugin failed and blocks its dependents, but never its
// independent siblings. LoadAll itself fails only when the plugin
// directory cannot be read.
func (m *Manager) LoadAll(ctx context.Context) error {
	paths, err := m.Discover()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, path := range paths {
		if _, err := m.loadOne(path); err != nil {
			m.logger.Error("plugin load failed", "path", path, "error", err)
			m.recordLoadFailure(path, err)
		}
	}

	order := m.resolveOrder()
	m.order = order

	for _, name := range order {
		rec := m.records[name]
		if rec.State() != StateLoaded {
			continue
		}
		if blocked := m.blockedBy(rec); blocked != nil {
			m.logger.Error("plugin blocked", "plugin", name, "error", blocked)
			m.failPlugin(rec, blocked)
			continue
		}
		if err := m.setupAndEnable(ctx, rec); err != nil {
			m.logger.Error("plugin start failed", "plugin", name, "error", err)
		}
	}
	return nil
}

// LoadFile loads a single plugin source file after startup and drives
// it to enabled. Its dependencies must already be enabled; a blocked or
// failing plugin is registered as failed, same as during LoadAll.
func (m *Manager) LoadFile(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadOne(path)
	if err != nil {
		m.logger.Error("plugin load failed", "path", path, "error", err)
		return err
	}
	m.order = append(m.order, rec.Name())

	if blocked := m.blockedBy(rec); blocked != nil {
		m.logger.Error("plugin blocked", "plugin", rec.Name(), "error", blocked)
		m.failPlugin(rec, blocked)
		return blocked
	}
	return m.setupAndEnable(ctx, rec)
}

// Enable transitions a plugin from setup or disabled to enabled. Any
// other starting state is a LifecycleError.
func (m *Manager) Enable(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrNotFound)
	}
	if st := rec.State(); !st.CanEnable() {
		return &LifecycleError{Name: name, Op: "enable", From: st}
	}

	if err := rec.Instance().OnEnable(ctx); err != nil {
		m.failPlugin(rec, fmt.Errorf("enable %s: %w", name, err))
		return fmt.Errorf("enable %s: %w", name, err)
	}
	rec.setState(StateEnabled)
	m.logger.Info("plugin enabled", "plugin", name)
	return nil
}

// Disable transitions an enabled plugin to disabled. Subscriptions and
// services are retained; only the plugin's behavior is suspended.
func (m *Manager) Disable(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrNotFound)
	}
	if st := rec.State(); !st.CanDisable() {
		return &LifecycleError{Name: name, Op: "disable", From: st}
	}

	if err := rec.Instance().OnDisable(ctx); err != nil {
		m.failPlugin(rec, fmt.Errorf("disable %s: %w", name, err))
		return fmt.Errorf("disable %s: %w", name, err)
	}
	rec.setState(StateDisabled)
	m.logger.Info("plugin disabled", "plugin", name)
	return nil
}

// Reload tears the plugin down, re-executes its source file into a
// fresh instance, and drives it back to enabled. Any failing step
// leaves the plugin failed; there is no rollback to the discarded
// instance. The plugin's name and record slot survive the reload, its
// instance does not.
func (m *Manager) Reload(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrNotFound)
	}
	path := rec.Path()

	m.teardown(ctx, rec)
	m.dropRecord(name)

	newRec, err := m.loadOne(path)
	if err != nil {
		m.logger.Error("reload failed", "plugin", name, "error", err)
		// Keep the name visible as failed; the path index survives so a
		// further file change can retry the reload.
		m.insertRecord(name, failedRecord(name, path, err))
		return err
	}

	if err := m.setupAndEnable(ctx, newRec); err != nil {
		m.logger.Error("reload failed", "plugin", name, "error", err)
		return err
	}
	m.logger.Info("plugin reloaded", "plugin", name)
	return nil
}

// UnloadAll disables and tears down every live plugin in reverse
// dependency order. Errors are logged and swallowed: this runs at
// shutdown, where finishing cleanup matters more than reporting.
func (m *Manager) UnloadAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order := m.order
	if len(order) == 0 {
		order = m.loadOrder
	}

	for _, name := range depgraph.Reverse(order) {
		rec, ok := m.records[name]
		if !ok {
			continue
		}
		m.teardown(ctx, rec)
		rec.setState(StateTornDown)
	}
}

// Get returns the named plugin instance, or nil if the plugin is not
// present or failed before instantiation.
func (m *Manager) Get(name string) *LuaPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return nil
	}
	return rec.Instance()
}

// Records returns all plugin records in load order, failed plugins
// included: operators must be able to see what failed and why.
func (m *Manager) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Record, 0, len(m.loadOrder))
	for _, name := range m.loadOrder {
		if rec, ok := m.records[name]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Record returns the record for one plugin name.
func (m *Manager) Record(name string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	return rec, ok
}

// Enabled returns the instances currently in the enabled state.
func (m *Manager) Enabled() []*LuaPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*LuaPlugin
	for _, name := range m.loadOrder {
		if rec, ok := m.records[name]; ok && rec.State() == StateEnabled {
			out = append(out, rec.Instance())
		}
	}
	return out
}

// NameForPath maps a source file path to its loaded plugin name. The
// hot-reload watcher uses this to ignore files that were never loaded.
func (m *Manager) NameForPath(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.byPath[path]
	return name, ok
}

// loadOne executes a source file and registers its record. Caller
// holds m.mu.
func (m *Manager) loadOne(path string) (*Record, error) {
	p, err := m.loader.Load(path)
	if err != nil {
		return nil, err
	}

	name := p.Meta().Name
	if existing, ok := m.records[name]; ok {
		p.Close()
		return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: %q already loaded from %s", ErrDuplicateName, name, existing.Path())}
	}

	rec := newRecord(name, path, p)
	m.insertRecord(name, rec)
	m.logger.Info("plugin loaded", "plugin", name, "version", p.Meta().Version, "path", path)
	return rec, nil
}

// setupAndEnable drives a loaded record through setup then enable.
// Caller holds m.mu.
func (m *Manager) setupAndEnable(ctx context.Context, rec *Record) error {
	name := rec.Name()

	if err := rec.Instance().Setup(ctx); err != nil {
		serr := &SetupError{Name: name, Err: err}
		m.failPlugin(rec, serr)
		return serr
	}
	rec.setState(StateSetup)

	if err := rec.Instance().OnEnable(ctx); err != nil {
		werr := fmt.Errorf("enable %s: %w", name, err)
		m.failPlugin(rec, werr)
		return werr
	}
	rec.setState(StateEnabled)
	m.logger.Info("plugin enabled", "plugin", name)
	return nil
}

// resolveOrder runs the dependency resolver over all loaded plugins,
// failing exactly the plugins whose closure cannot be resolved and
// retrying until the remainder resolves. Caller holds m.mu.
func (m *Manager) resolveOrder() []string {
	nodes := make(map[string][]string)
	for name, rec := range m.records {
		if rec.State() == StateLoaded {
			nodes[name] = rec.Meta().Dependencies
		}
	}

	for {
		order, err := depgraph.Resolve(nodes)
		if err == nil {
			return order
		}

		var missing *depgraph.MissingError
		var cycle *depgraph.CycleError
		switch {
		case errors.As(err, &missing):
			m.failResolver(missing.Node, err)
			delete(nodes, missing.Node)
		case errors.As(err, &cycle):
			for _, name := range cycle.Nodes {
				m.failResolver(name, err)
				delete(nodes, name)
			}
		default:
			for name := range nodes {
				m.failResolver(name, err)
			}
			return nil
		}
	}
}

func (m *Manager) failResolver(name string, err error) {
	if rec, ok := m.records[name]; ok {
		derr := &DependencyError{Name: name, Err: err}
		m.logger.Error("plugin dependencies unresolvable", "plugin", name, "error", err)
		m.failPlugin(rec, derr)
	}
}

// blockedBy reports the dependency preventing rec from starting, if
// any. In resolved order every dependency has already been driven, so
// anything not enabled means the dependency failed. Caller holds m.mu.
func (m *Manager) blockedBy(rec *Record) error {
	for _, dep := range rec.Meta().Dependencies {
		depRec, ok := m.records[dep]
		if !ok || depRec.State() != StateEnabled {
			return &DependencyError{
				Name:       rec.Name(),
				Dependency: dep,
				Err:        fmt.Errorf("dependency did not reach enabled state"),
			}
		}
	}
	return nil
}

// teardown best-effort disables and tears down one record, releasing
// its bus subscriptions, services and interpreter. Caller holds m.mu.
func (m *Manager) teardown(ctx context.Context, rec *Record) {
	name := rec.Name()
	inst := rec.Instance()
	if inst == nil {
		return
	}

	if rec.State() == StateEnabled {
		if err := inst.OnDisable(ctx); err != nil {
			m.logger.Error("plugin disable failed during teardown", "plugin", name, "error", err)
		}
	}
	if rec.State().Live() {
		if err := inst.Teardown(ctx); err != nil {
			m.logger.Error("plugin teardown failed", "plugin", name, "error", err)
		}
	}

	m.release(name)
	inst.Close()
}

// release drops everything a plugin acquired on the shared structures.
// Invoked on teardown and on failure, keeping the invariant that
// subscriptions and registrations never outlive their owner.
func (m *Manager) release(name string) {
	if n := m.env.Bus.UnsubscribeAll(name); n > 0 {
		m.logger.Debug("subscriptions released", "plugin", name, "count", n)
	}
	if n := m.env.Services.UnregisterProvider(name); n > 0 {
		m.logger.Debug("services released", "plugin", name, "count", n)
	}
}

// failPlugin moves a record to failed and releases its resources.
// Caller holds m.mu.
func (m *Manager) failPlugin(rec *Record, err error) {
	rec.fail(err)
	m.release(rec.Name())
	if inst := rec.Instance(); inst != nil {
		inst.Close()
	}
}

// recordLoadFailure keeps a failed slot visible under the file's stem
// when no metadata name is available. Caller holds m.mu.
func (m *Manager) recordLoadFailure(path string, err error) {
	name := stemOf(path)
	if _, exists := m.records[name]; exists {
		return
	}
	m.insertRecord(name, failedRecord(name, path, err))
}

func (m *Manager) insertRecord(name string, rec *Record) {
	m.records[name] = rec
	m.loadOrder = append(m.loadOrder, name)
	m.byPath[rec.Path()] = name
}

func (m *Manager) dropRecord(name string) {
	rec, ok := m.records[name]
	if !ok {
		return
	}
	delete(m.records, name)
	delete(m.byPath, rec.Path())
	for i, n := range m.loadOrder {
		if n == name {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			break
		}
	}
}

func stemOf(path string) string {
	return strings.TrimSuffix(filepath.Base(path), SourceExt)
}
