package link

import "fmt"

type State uint32

const (
	Disconnected State = iota
	Connecting
	Connected
	Retrying
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Retrying:
		return "retrying"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// CanTransition reports allowed edges of the connection state machine.
// Any state may go to Disconnected, explicit disconnect is always allowed.
func CanTransition(from, to State) bool {
	if to == Disconnected {
		return from != Disconnected
	}
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Connected || to == Retrying
	case Connected:
		return to == Retrying
	case Retrying:
		return to == Connected
	}
	return false
}
