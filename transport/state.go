package transport

// State describes the transport's connection lifecycle. It is mutated
// only inside the Transport; callers observe it through State().
type State int32

const (
	// Disconnected means no session exists and none is being attempted.
	Disconnected State = iota
	// Connecting means the initial handshake is in progress.
	Connecting
	// Connected means the control session and audio socket are live.
	Connected
	// Reconnecting means a session was lost and the backoff loop is
	// attempting to establish a new one.
	Reconnecting
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
