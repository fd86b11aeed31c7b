package plugin

// State is the lifecycle state of a plugin. States are exhaustive and
// exclusive; Failed is absorbing and reachable from any transition.
type State int

// Plugin states.
const (
	// StateUnloaded - no code loaded for this plugin.
	StateUnloaded State = iota

	// StateLoaded - source executed, instance created, setup not run.
	StateLoaded

	// StateSetup - Setup completed, not yet enabled.
	StateSetup

	// StateEnabled - plugin active.
	StateEnabled

	// StateDisabled - plugin suspended, resources retained.
	StateDisabled

	// StateTornDown - Teardown completed, resources released.
	StateTornDown

	// StateFailed - a transition failed; resources released.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateSetup:
		return "setup"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateTornDown:
		return "torn_down"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanEnable reports whether Enable is a valid transition from s.
func (s State) CanEnable() bool {
	return s == StateSetup || s == StateDisabled
}

// CanDisable reports whether Disable is a valid transition from s.
func (s State) CanDisable() bool {
	return s == StateEnabled
}

// Live reports whether the plugin holds live resources (event
// subscriptions, service registrations): only after setup has run and
// before teardown or failure released them.
func (s State) Live() bool {
	return s == StateSetup || s == StateEnabled || s == StateDisabled
}
