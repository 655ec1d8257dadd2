package toolchannel

import "github.com/harun/parley/pkg/tools"

// State is the connection state of the channel
type State int

const (
	// StateConnecting means a connection attempt and handshake are in progress
	StateConnecting State = iota
	// StateReady means invocations are sent immediately
	StateReady
	// StateDegraded means the connection was lost and one reconnect is in progress.
	// Invocations are parked until it resolves.
	StateDegraded
	// StateDown means the reconnect failed; background retries are scheduled
	StateDown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// StateChange describes one transition of the channel state machine
type StateChange struct {
	From     State
	To       State
	Epoch    uint64
	Registry *tools.Registry
	Err      error
}
