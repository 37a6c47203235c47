package detector

import "time"

// State is the phase of the detection loop.
type State int

const (
	// StateAwaitingOff waits for the device to stop answering.
	StateAwaitingOff State = iota
	// StateAwaitingOn waits for the device to answer again.
	StateAwaitingOn
)

func (s State) String() string {
	switch s {
	case StateAwaitingOff:
		return "awaiting_off"
	case StateAwaitingOn:
		return "awaiting_on"
	default:
		return "unknown"
	}
}

// initialState maps the startup probe to the first phase.
func initialState(reachable bool) State {
	if reachable {
		return StateAwaitingOff
	}
	return StateAwaitingOn
}

// Status is a point-in-time copy of the detector's progress, safe to read
// from any goroutine.
type Status struct {
	Started          bool      `json:"started"`
	State            string    `json:"state"`
	Reachable        bool      `json:"reachable"`
	Since            time.Time `json:"since"`
	Transitions      int       `json:"transitions"`
	Triggers         int       `json:"triggers"`
	TriggerFailures  int       `json:"trigger_failures"`
	LastEventID      string    `json:"last_event_id,omitempty"`
	LastTriggerError string    `json:"last_trigger_error,omitempty"`
	WakeListener     bool      `json:"wake_listener"`
}
