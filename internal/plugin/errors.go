package plugin

import (
	"errors"
	"fmt"
)

// Sentinel errors for the plugin runtime.
var (
	// ErrLoad is the class of module-execution and discovery failures.
	ErrLoad = errors.New("plugin load failed")

	// ErrSetup is the class of setup-hook failures.
	ErrSetup = errors.New("plugin setup failed")

	// ErrLifecycle is the class of invalid state transitions.
	ErrLifecycle = errors.New("invalid lifecycle transition")

	// ErrNotFound is returned for operations on an unknown plugin name.
	ErrNotFound = errors.New("plugin not found")

	// ErrDuplicateName is returned when two files declare the same
	// plugin name.
	ErrDuplicateName = errors.New("duplicate plugin name")
)

// LoadError reports a failure to execute a plugin source file or to
// extract a valid plugin definition from it.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// SetupError reports a plugin's Setup hook failing.
type SetupError struct {
	Name string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %v", e.Name, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

func (e *SetupError) Is(target error) bool { return target == ErrSetup }

// LifecycleError reports an operation requested from a state that does
// not permit it, e.g. enabling an already-enabled plugin.
type LifecycleError struct {
	Name string
	Op   string
	From State
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("cannot %s plugin %q from state %s", e.Op, e.Name, e.From)
}

func (e *LifecycleError) Is(target error) bool { return target == ErrLifecycle }

// DependencyError reports a plugin blocked by a failed or unresolvable
// dependency.
type DependencyError struct {
	Name       string
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	if e.Dependency != "" {
		return fmt.Sprintf("plugin %q blocked by dependency %q: %v", e.Name, e.Dependency, e.Err)
	}
	return fmt.Sprintf("plugin %q dependencies unresolvable: %v", e.Name, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }
