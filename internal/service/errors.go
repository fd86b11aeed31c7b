package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for the service registry.
var (
	// ErrNotFound is returned when no service is registered under the
	// requested name.
	ErrNotFound = errors.New("service not found")

	// ErrConflict is returned when registering a name already taken.
	ErrConflict = errors.New("service name already registered")

	// ErrVersionTooLow is returned when a lookup's minimum version is
	// not satisfied by the registered provider.
	ErrVersionTooLow = errors.New("service version too low")

	// ErrInvalidVersion is returned for a version string that is not
	// valid semver.
	ErrInvalidVersion = errors.New("invalid service version")

	// ErrInvalidName is returned for an empty service name.
	ErrInvalidName = errors.New("invalid service name")

	// ErrNotCallable is returned when invoking a method on a service
	// that does not support dynamic calls.
	ErrNotCallable = errors.New("service is not callable")
)

// NotFoundError reports a lookup for an unregistered service.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("service %q not found", e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports a registration under a taken name.
type ConflictError struct {
	Name     string
	Provider string // the existing provider
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("service %q already registered by %q", e.Name, e.Provider)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// VersionError reports a lookup whose minimum version exceeds the
// registered provider's version.
type VersionError struct {
	Name string
	Have string
	Want string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("service %q version %s does not satisfy minimum %s", e.Name, e.Have, e.Want)
}

func (e *VersionError) Is(target error) bool { return target == ErrVersionTooLow }
