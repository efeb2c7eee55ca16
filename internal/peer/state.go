package peer

import "fmt"

// State of a Session.
type State int32

// Session states in lifecycle order.
const (
	Connecting State = iota
	Handshaking
	Ready
	Closing
	Closed
)

var stateStrings = [...]string{
	Connecting:  "connecting",
	Handshaking: "handshaking",
	Ready:       "ready",
	Closing:     "closing",
	Closed:      "closed",
}

func (s State) String() string {
	if int(s) < len(stateStrings) {
		return stateStrings[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) canTransition(to State) bool {
	switch s {
	case Connecting:
		return to == Handshaking || to == Closing
	case Handshaking:
		return to == Ready || to == Closing
	case Ready:
		return to == Closing
	case Closing:
		return to == Closed
	case Closed:
		return false
	default:
		panic(fmt.Sprintf("unknown session state: %d", int32(s)))
	}
}
