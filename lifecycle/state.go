package lifecycle

// State is the lifecycle state of a Container.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StatePartiallyFailed
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePartiallyFailed:
		return "partially_failed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
