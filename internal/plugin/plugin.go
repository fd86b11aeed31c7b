// Package plugin implements the extensible plugin runtime: discovery,
// loading, dependency-ordered lifecycle orchestration, and the contract
// every plugin implements.
package plugin

import (
	"context"

	"github.com/wrenbot/wren/internal/event"
	"github.com/wrenbot/wren/internal/service"
)

// Metadata is the immutable descriptor a plugin declares about itself.
type Metadata struct {
	// Name uniquely identifies the plugin and is stable across reloads.
	Name string

	// DisplayName is the human-facing name shown in listings.
	DisplayName string

	// Version is the plugin's semantic version string.
	Version string

	// Description is a one-line summary.
	Description string

	// Author credits the plugin's author.
	Author string

	// Dependencies are plugin names that must finish setup before this
	// plugin's setup begins.
	Dependencies []string

	// MinHostVersion, when set, is the lowest host version the plugin
	// accepts. Loading fails on an older host.
	MinHostVersion string
}

// Plugin is the lifecycle contract every plugin implements. The manager
// calls only these hooks; it never touches plugin internals.
type Plugin interface {
	// Meta returns the plugin's descriptor. Must be constant.
	Meta() Metadata

	// Setup initializes the plugin. Runs after all dependencies have
	// completed their own Setup.
	Setup(ctx context.Context) error

	// Teardown releases everything Setup and the enabled phase
	// acquired. Runs during unload, reload and shutdown.
	Teardown(ctx context.Context) error

	// OnEnable activates the plugin's behavior.
	OnEnable(ctx context.Context) error

	// OnDisable suspends the plugin's behavior without tearing it down.
	OnDisable(ctx context.Context) error
}

// Host is the surface plugins reach through the runtime API: the chat
// side of the bot plus host identity. The event bus and service
// registry are passed to the manager separately since it owns their
// lifecycle integration.
type Host interface {
	// Version is the host's semantic version, checked against each
	// plugin's MinHostVersion.
	Version() string

	// Send delivers a chat message to a target channel or user.
	Send(target, message string) error

	// PluginConfig returns the configuration sub-object for the named
	// plugin, or nil if none is configured.
	PluginConfig(name string) map[string]any
}

// Env bundles the shared structures a loaded plugin references for its
// entire lifetime. Plugins never own these, only reference them.
type Env struct {
	Host     Host
	Bus      *event.Bus
	Services *service.Registry
}
