// Package lua wraps gopher-lua with the sandboxing and conversion
// helpers the plugin runtime needs. Each plugin owns one State; states
// share nothing, so a misbehaving plugin cannot corrupt another.
package lua

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// State is a sandboxed Lua interpreter dedicated to a single plugin.
//
// gopher-lua's LState is not goroutine-safe, so every entry point takes
// the state mutex. Calls that re-enter the state from within an already
// running chunk (a handler publishing an event that dispatches back
// into the same plugin) must carry the state on the context so the lock
// is not taken twice; see NewContext.
type State struct {
	mu     sync.Mutex
	L      *lua.LState
	closed bool

	// active is the context of the call currently executing in this
	// state, already extended with this state's own frame. Only touched
	// by the goroutine running the state, so it needs no lock of its own.
	active context.Context
}

// NewState creates a Lua state with only the safe standard libraries
// opened. io, os, debug and the module loader are unavailable; plugins
// get their host access through the injected runtime modules instead.
func NewState() *State {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Base opens a few escape hatches; shut them.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	return &State{L: L}
}

// ExecFile runs a Lua file in the state and returns every value the
// chunk returned, in order.
func (s *State) ExecFile(path string) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fn, err := s.L.LoadFile(path)
	if err != nil {
		return nil, err
	}

	defer s.enter(context.Background())()

	top := s.L.GetTop()
	s.L.Push(fn)
	if err := s.pcall(0); err != nil {
		return nil, err
	}
	return s.collect(top), nil
}

// CallFunction invokes a Lua function value with the given arguments
// and returns its results. If ctx carries this state (the call is
// re-entrant from a chunk already running in it), the mutex is skipped;
// the outer call still holds it.
func (s *State) CallFunction(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	if !Executing(ctx, s) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	if s.closed {
		return nil, ErrStateClosed
	}
	defer s.enter(ctx)()

	top := s.L.GetTop()
	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}
	if err := s.pcall(len(args)); err != nil {
		return nil, err
	}
	return s.collect(top), nil
}

// CallWith invokes a Lua function with Go arguments, converting them
// under the state lock, and returns the results converted back to Go.
// Re-entrancy via ctx works as in CallFunction.
func (s *State) CallWith(ctx context.Context, fn *lua.LFunction, args ...any) ([]any, error) {
	if !Executing(ctx, s) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	if s.closed {
		return nil, ErrStateClosed
	}
	defer s.enter(ctx)()

	top := s.L.GetTop()
	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(ToLua(s.L, arg))
	}
	if err := s.pcall(len(args)); err != nil {
		return nil, err
	}

	vals := s.collect(top)
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = ToGo(v)
	}
	return out, nil
}

// enter records the context of the call now running in this state,
// extended with this state's own frame, and returns a restore func for
// when the call finishes. The caller holds the execution right (the
// mutex, or re-entrancy on it).
func (s *State) enter(ctx context.Context) func() {
	prev := s.active
	s.active = NewContext(ctx, s)
	return func() { s.active = prev }
}

// ActiveContext returns the context of the call currently executing in
// this state. Host functions invoked from Lua use it so anything they
// trigger (a publish, a service call) can re-enter every interpreter on
// the call path without deadlocking. Outside a call it falls back to a
// context marking only this state.
func (s *State) ActiveContext() context.Context {
	if s.active != nil {
		return s.active
	}
	return NewContext(context.Background(), s)
}

// SetModule installs a named global table of Go-backed functions.
func (s *State) SetModule(name string, funcs map[string]lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	mod := s.L.SetFuncs(s.L.NewTable(), funcs)
	s.L.SetGlobal(name, mod)
}

// SetGlobal sets a global variable in the state.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// Raw returns the underlying LState. Callers must hold the state's
// synchronization themselves; intended for use inside LGFunctions,
// which already run under a CallFunction or ExecFile entry.
func (s *State) Raw() *lua.LState {
	return s.L
}

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the interpreter. Safe to call more than once.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.Close()
	s.closed = true
}

// pcall runs the pushed function with panic recovery. gopher-lua can
// panic on internal errors; a plugin bug must surface as an error, not
// take the host down.
func (s *State) pcall(nargs int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return s.L.PCall(nargs, lua.MultRet, nil)
}

// collect pops and returns every value above top.
func (s *State) collect(top int) []lua.LValue {
	n := s.L.GetTop() - top
	if n <= 0 {
		return nil
	}
	out := make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		out[i] = s.L.Get(top + i + 1)
	}
	s.L.Pop(n)
	return out
}
