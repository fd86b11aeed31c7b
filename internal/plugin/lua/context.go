package lua

import "context"

type ctxKey struct{}

// frame is one link in the chain of states currently executing on this
// call path. Dispatch can pass through several interpreters (plugin A
// publishes, plugin B's handler publishes again), and every one of them
// still holds its mutex, so the whole chain must stay visible.
type frame struct {
	state *State
	prev  *frame
}

// NewContext returns a context recording that s is now executing, on
// top of whatever states the context already carries. The event bus
// threads this context through dispatch so a handler owned by any
// state on the call path can be invoked without re-acquiring that
// state's mutex.
func NewContext(ctx context.Context, s *State) context.Context {
	prev, _ := ctx.Value(ctxKey{}).(*frame)
	return context.WithValue(ctx, ctxKey{}, &frame{state: s, prev: prev})
}

// FromContext returns the innermost executing state carried by ctx, or
// nil.
func FromContext(ctx context.Context) *State {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(ctxKey{}).(*frame)
	if f == nil {
		return nil
	}
	return f.state
}

// Executing reports whether s appears anywhere on the chain of states
// ctx records as currently executing.
func Executing(ctx context.Context, s *State) bool {
	if ctx == nil {
		return false
	}
	f, _ := ctx.Value(ctxKey{}).(*frame)
	for ; f != nil; f = f.prev {
		if f.state == s {
			return true
		}
	}
	return false
}
