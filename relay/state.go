package relay

import (
	"github.com/maxpert/changerelay/telemetry"
)

// State of a Relay. A relay moves forward only:
// Idle -> Starting -> Watching <-> Processing -> Stopped | Failed.
type State int32

const (
	Idle State = iota
	Starting
	Watching
	Processing
	Stopped
	Failed
)

var stateNames = []string{"idle", "starting", "watching", "processing", "stopped", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Active reports whether the relay is starting or consuming the feed
func (s State) Active() bool {
	return s == Starting || s == Watching || s == Processing
}

// Terminal reports whether the relay has exited
func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}

func (r *Relay) setState(s State) {
	if State(r.state.Swap(int32(s))) != s {
		telemetry.SetRelayState(s.String(), stateNames)
	}
}

// State returns the current state
func (r *Relay) State() State {
	return State(r.state.Load())
}
