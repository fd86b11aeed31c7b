package event

import "errors"

// Sentinel errors for the event bus.
var (
	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrInvalidPattern is returned for an empty or malformed pattern.
	ErrInvalidPattern = errors.New("invalid subscription pattern")

	// ErrInvalidName is returned when publishing an event with an empty
	// or malformed name.
	ErrInvalidName = errors.New("invalid event name")

	// ErrSubscriptionNotFound is returned when unsubscribing a pattern
	// the subscriber never registered.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)
