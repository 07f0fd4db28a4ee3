package supervisor

import "fmt"

// State is the supervisor's mode of operation.
type State string

const (
	StateWatching   State = "WATCHING"   // liveness and abuse checks active
	StateSuppressed State = "SUPPRESSED" // a transition is in flight; no restarts
	StateTripped    State = "TRIPPED"    // breaker open; recovery halted
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[State]map[State]bool{
	StateWatching: {
		StateSuppressed: true, // young transition marker observed
		StateTripped:    true, // crash window reached the threshold
	},
	StateSuppressed: {
		StateWatching: true, // marker cleared or transition rolled back
	},
	// terminal until the supervisor process is restarted
	StateTripped: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal reports whether no further transitions are possible from s.
func IsTerminal(s State) bool {
	return len(validTransitions[s]) == 0
}
