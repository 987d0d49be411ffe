package progress

// State is a handle lifecycle position. States only ever move forward:
// StateInitialized -> StateRunning -> [StateRequestStop] -> StateFinished.
type State int32

// Handle lifecycle states.
const (
	StateInitialized State = iota
	StateRunning
	StateRequestStop
	StateFinished
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateRunning:
		return "RUNNING"
	case StateRequestStop:
		return "REQUEST_STOP"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether updates are accepted in this state.
func (s State) Active() bool {
	return s == StateRunning || s == StateRequestStop
}
