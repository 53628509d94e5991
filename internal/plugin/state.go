package plugin

// State represents the lifecycle state of a plugin entry.
type State int

// Plugin states.
const (
	// StateInvalid - Plugin cannot be used. Terminal.
	StateInvalid State = iota

	// StateUnloaded - Plugin is known but has no live instance.
	StateUnloaded

	// StateLoaded - Plugin instance is live.
	StateLoaded

	// StateBusy - Plugin is being loaded or unloaded.
	StateBusy
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// IsUsable returns true if the plugin has a live instance.
func (s State) IsUsable() bool {
	return s == StateLoaded
}
