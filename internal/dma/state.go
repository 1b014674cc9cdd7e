package dma

import "fmt"

// State is the transfer state of one stream.
type State int

// Transfer states.
const (
	Idle State = iota
	RequestPending
	Scheduled
	Active
	Completing
	Error
)

var stateNames = map[State]string{
	Idle:           "idle",
	RequestPending: "request_pending",
	Scheduled:      "scheduled",
	Active:         "active",
	Completing:     "completing",
	Error:          "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state%d", int(s))
}

// Pending reports whether a request is outstanding.
func (s State) Pending() bool {
	return s != Idle && s != Error
}

// InFlight reports whether a buffer is handed to the hardware.
func (s State) InFlight() bool {
	return s == Scheduled || s == Active || s == Completing
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
