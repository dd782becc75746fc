package detector

import "fmt"

// State enumerates the session lifecycle.
type State int

// The session states.
const (
	// Closed holds no hardware handle
	Closed State = iota

	// Opened holds the handle but the hardware is not programmed
	Opened

	// Initialized is programmed and ready to expose
	Initialized

	// Exposing is running an acquisition sequence
	Exposing
)

var stateNames = map[State]string{
	Closed:      "Closed",
	Opened:      "Opened",
	Initialized: "Initialized",
	Exposing:    "Exposing",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateError is generated when a command arrives in a state that does not
// permit it.
type StateError struct {
	Op    string
	State State
}

func (e StateError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Op, e.State)
}

// ErrAlreadyOpen is generated by OPEN when the hardware handle is already held.
var ErrAlreadyOpen = fmt.Errorf("controller already open")

// ErrAborted is generated when a running exposure is cut short by CLOSE.
var ErrAborted = fmt.Errorf("exposure aborted")

// BusyError is generated when a command arrives while another command is
// executing.
type BusyError struct {
	// Command is the command currently holding the session
	Command string
}

func (e BusyError) Error() string {
	return fmt.Sprintf("busy executing %s", e.Command)
}

// HardwareFault wraps an error from the controller with the operation that
// produced it.
type HardwareFault struct {
	Op  string
	Err error
}

func (e HardwareFault) Error() string {
	return fmt.Sprintf("hardware fault during %s: %v", e.Op, e.Err)
}

func (e HardwareFault) Unwrap() error { return e.Err }

// ConfigError is generated for inconsistent configuration.
type ConfigError struct {
	Reason string
}

func (e ConfigError) Error() string {
	return "bad configuration: " + e.Reason
}
