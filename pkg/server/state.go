package server

// State is a position in the server lifecycle.
type State int32

const (
	StateCreated State = iota
	StateListening
	StateServing
	StateStopping
	StateStopped
	StateFullyStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateServing:
		return "serving"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFullyStopped:
		return "fully stopped"
	default:
		return "unknown"
	}
}
