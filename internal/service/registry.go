package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wrenbot/wren/internal/depgraph"
)

type entry struct {
	reg       Registration
	canonical string // normalized version for comparisons
}

// Registry is a thread-safe versioned service registry. It is created
// by the host and shared by reference with every plugin.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty service registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "services")
	return r
}

// RegisterOption configures one registration.
type RegisterOption func(*Registration)

// WithDependencies declares the services this one requires, mapping
// each name to the minimum version accepted ("" for any).
func WithDependencies(deps map[string]string) RegisterOption {
	return func(reg *Registration) {
		reg.Dependencies = deps
	}
}

// Register publishes an instance under a unique name. Registering a
// name that is already taken is a hard error; the caller must pick
// another name or unregister the existing provider first.
func (r *Registry) Register(name, version, provider string, instance any, opts ...RegisterOption) error {
	if name == "" {
		return ErrInvalidName
	}
	canonical := normalizeVersion(version)
	if canonical == "" {
		return fmt.Errorf("%w: %q for service %q", ErrInvalidVersion, version, name)
	}

	reg := Registration{
		Name:     name,
		Version:  version,
		Provider: provider,
		Instance: instance,
	}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		return &ConflictError{Name: name, Provider: existing.reg.Provider}
	}

	r.entries[name] = &entry{reg: reg, canonical: canonical}
	r.logger.Debug("service registered", "service", name, "version", version, "provider", provider)
	return nil
}

// Get returns the instance registered under name. Absence is not an
// error: the second return is false and optional dependencies check it.
// An optional minimum version turns a present-but-older registration
// into a VersionError rather than a silent miss, so a consumer never
// runs against an incompatible service by accident.
func (r *Registry) Get(name string, minVersion ...string) (any, bool, error) {
	var want, min string
	if len(minVersion) > 0 && minVersion[0] != "" {
		min = minVersion[0]
		want = normalizeVersion(min)
		if want == "" {
			return nil, false, fmt.Errorf("%w: %q", ErrInvalidVersion, min)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false, nil
	}
	if want != "" && !versionAtLeast(e.canonical, want) {
		return nil, false, &VersionError{Name: name, Have: e.reg.Version, Want: min}
	}
	return e.reg.Instance, true, nil
}

// Require returns the instance registered under name, failing with a
// NotFoundError when absent and a VersionError when the registered
// version is below minVersion. An empty minVersion skips the gate.
func (r *Registry) Require(name, minVersion string) (any, error) {
	var want string
	if minVersion != "" {
		want = normalizeVersion(minVersion)
		if want == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, minVersion)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	if want != "" && !versionAtLeast(e.canonical, want) {
		return nil, &VersionError{Name: name, Have: e.reg.Version, Want: minVersion}
	}
	return e.reg.Instance, nil
}

// Has reports whether a service is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Lookup returns the full registration record for a service.
func (r *Registry) Lookup(name string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Registration{}, &NotFoundError{Name: name}
	}
	return e.reg, nil
}

// Call invokes a dynamically dispatched method on a Callable service.
func (r *Registry) Call(name, method string, args ...any) ([]any, error) {
	instance, err := r.Require(name, "")
	if err != nil {
		return nil, err
	}
	c, ok := instance.(Callable)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotCallable, name)
	}
	return c.Call(method, args...)
}

// Unregister removes the service registered under name. Removing a
// name that is not registered is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// UnregisterProvider removes every service registered by the provider
// and returns how many were removed. The plugin manager calls this
// during teardown so no service outlives its owning plugin.
func (r *Registry) UnregisterProvider(provider string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, e := range r.entries {
		if e.reg.Provider == provider {
			delete(r.entries, name)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("provider services unregistered", "provider", provider, "count", removed)
	}
	return removed
}

// List returns all registrations sorted by name.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartAll starts every registered lifecycle service in dependency
// order: a dependency always starts before anything requiring it.
// Dependencies on plain (non-lifecycle) services are allowed and only
// order the sequence. If any Start fails, the services already started
// are stopped again in reverse order and the failure is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	order, err := r.startOrder()
	if err != nil {
		return err
	}

	var started []string
	for _, name := range order {
		if err := r.startOne(ctx, name); err != nil {
			r.logger.Error("service start failed", "service", name, "error", err)
			r.rollback(ctx, started)
			return err
		}
		started = append(started, name)
	}
	return nil
}

// StopAll stops every started service in reverse dependency order, so
// a service is never stopped while a started dependent remains. Stop
// errors are logged and do not prevent later services from stopping.
func (r *Registry) StopAll(ctx context.Context) {
	order, err := r.startOrder()
	if err != nil {
		// The graph was valid when services started; fall back to an
		// arbitrary order rather than leaving services running.
		order = r.names()
	}

	for _, name := range depgraph.Reverse(order) {
		r.stopOne(ctx, name)
	}
}

// Start starts a single service by name after checking its declared
// dependency versions.
func (r *Registry) Start(ctx context.Context, name string) error {
	if !r.Has(name) {
		return &NotFoundError{Name: name}
	}
	return r.startOne(ctx, name)
}

// Stop stops a single service by name if it was started.
func (r *Registry) Stop(ctx context.Context, name string) error {
	if !r.Has(name) {
		return &NotFoundError{Name: name}
	}
	r.stopOne(ctx, name)
	return nil
}

// startOrder builds the dependency-ordered start sequence over every
// registered name.
func (r *Registry) startOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make(map[string][]string, len(r.entries))
	for name, e := range r.entries {
		deps := make([]string, 0, len(e.reg.Dependencies))
		for dep := range e.reg.Dependencies {
			deps = append(deps, dep)
		}
		nodes[name] = deps
	}
	return depgraph.Resolve(nodes)
}

// checkDependencies validates that each declared dependency is present
// at an acceptable version.
func (r *Registry) checkDependencies(name string) error {
	r.mu.RLock()
	deps := map[string]string{}
	if e, ok := r.entries[name]; ok {
		deps = e.reg.Dependencies
	}
	r.mu.RUnlock()

	for dep, min := range deps {
		if _, err := r.Require(dep, min); err != nil {
			return fmt.Errorf("service %q dependency: %w", name, err)
		}
	}
	return nil
}

func (r *Registry) startOne(ctx context.Context, name string) error {
	if r.isStarted(name) {
		return nil
	}
	if err := r.checkDependencies(name); err != nil {
		return err
	}

	svc := r.lifecycle(name)
	if svc == nil {
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service %q: %w", name, err)
	}
	r.setStarted(name, true)
	r.logger.Debug("service started", "service", name)
	return nil
}

func (r *Registry) stopOne(ctx context.Context, name string) {
	if !r.isStarted(name) {
		return
	}
	svc := r.lifecycle(name)
	if svc == nil {
		return
	}
	if err := svc.Stop(ctx); err != nil {
		r.logger.Error("service stop failed", "service", name, "error", err)
	}
	r.setStarted(name, false)
	r.logger.Debug("service stopped", "service", name)
}

func (r *Registry) rollback(ctx context.Context, started []string) {
	for i := len(started) - 1; i >= 0; i-- {
		r.stopOne(ctx, started[i])
	}
}

func (r *Registry) lifecycle(name string) Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	svc, ok := e.reg.Instance.(Service)
	if !ok {
		return nil
	}
	return svc
}

func (r *Registry) setStarted(name string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.reg.Started = v
	}
}

func (r *Registry) isStarted(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.reg.Started
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
