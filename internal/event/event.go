// Package event implements the publish/subscribe bus plugins use to
// communicate without holding references to each other.
//
// Dispatch within one Publish call is synchronous and ordered: handlers
// run in priority tier order (high, normal, low) and in registration
// order within a tier, each completing before the next begins. Nothing
// serializes handlers across separate Publish calls.
package event

import (
	"context"
	"time"

	"github.com/wrenbot/wren/internal/event/topic"
)

// Priority orders dispatch tiers within a single publish. It travels on
// the event, not the subscription.
type Priority int

// Dispatch tiers, highest first.
const (
	PriorityHigh   Priority = 100
	PriorityNormal Priority = 200
	PriorityLow    Priority = 300
)

// tiers is the dispatch order for one publish call.
var tiers = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Event is an immutable value published on the bus.
type Event struct {
	// ID uniquely identifies this event instance.
	ID string

	// Name is the dot-segmented event name, e.g. "trivia.started".
	Name topic.Topic

	// Data is the structured payload. Treated as opaque by the bus.
	Data map[string]any

	// Source is the name of the publishing plugin, or "host".
	Source string

	// Priority selects the dispatch tier for this publish.
	Priority Priority

	// Time is when the event was published.
	Time time.Time
}

// Handler processes one event. The context is the publisher's; script
// runtimes use it to detect re-entrant dispatch into their own
// interpreter. A returned error is counted and logged by the bus; it
// never stops dispatch to later handlers.
type Handler func(ctx context.Context, e Event) error

// Stats are the bus's monotonically increasing counters.
type Stats struct {
	// Published counts Publish calls that entered dispatch.
	Published uint64

	// Dispatched counts handler invocations that completed without error.
	Dispatched uint64

	// HandlerErrors counts handler invocations that returned an error
	// or panicked.
	HandlerErrors uint64
}
