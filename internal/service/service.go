// Package service implements the versioned service registry plugins use
// to share capabilities with each other and with the host.
//
// A service is any value registered under a unique name with a semantic
// version. Consumers look services up by name, optionally gating on a
// minimum version, instead of importing the provider directly. Services
// that implement the Service lifecycle interface participate in
// dependency-ordered StartAll/StopAll.
package service

import (
	"context"
	"strings"

	"golang.org/x/mod/semver"
)

// Service is the optional lifecycle contract. Registered instances that
// implement it participate in Start, Stop, StartAll and StopAll; plain
// values are registered and resolved without any lifecycle.
type Service interface {
	// Start makes the service ready for use. Called in dependency order.
	Start(ctx context.Context) error

	// Stop releases the service's resources. Called in reverse
	// dependency order.
	Stop(ctx context.Context) error
}

// Callable is implemented by services that expose dynamically invoked
// methods. Script-backed services implement it so a consumer in one
// interpreter state can call a provider living in another.
type Callable interface {
	Call(method string, args ...any) ([]any, error)
}

// Registration describes one registered service.
type Registration struct {
	// Name is the unique service name, e.g. "scoreboard".
	Name string

	// Version is the provider's semantic version, e.g. "1.2.0".
	Version string

	// Provider is the name of the plugin (or "host") that registered
	// the service.
	Provider string

	// Dependencies maps required service names to the minimum version
	// accepted, "" for any. Orders StartAll/StopAll and is validated
	// when the service starts.
	Dependencies map[string]string

	// Started reports whether the service's Start has run.
	Started bool

	// Instance is the registered value.
	Instance any
}

// normalizeVersion returns the canonical "vX.Y.Z" form, or "" if the
// version is not valid semver. A leading "v" is optional on input.
func normalizeVersion(version string) string {
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// versionAtLeast reports whether have satisfies want, both in
// canonical form.
func versionAtLeast(have, want string) bool {
	return semver.Compare(have, want) >= 0
}
