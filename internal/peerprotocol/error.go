package peerprotocol

import "fmt"

// ProtocolError is a malformed or out-of-order message from a peer.
// It is fatal for the session that received it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Errorf returns a new ProtocolError with a formatted reason.
func Errorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
