package process

// State is a worker lifecycle stage. Transitions only move forward.
type State int

const (
	StateCreated State = iota
	StateSpawned
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateSpawned:
		return "SPAWNED"
	case StateRunning:
		return "RUNNING"
	case StateStopRequested:
		return "STOP_REQUESTED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Exit codes a backend reports through its process status.
const (
	ExitOK              = 0
	ExitBootstrap       = 2
	ExitPreRun          = 3
	ExitPostRun         = 4
	ExitTransportBroken = 5
)
