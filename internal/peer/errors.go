package peer

import "errors"

// TimeoutError is returned when the remote peer does not respond in time.
// Op is one of "idle", "request" or "read".
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return "peer timeout: " + e.Op
}

// Timeout is always true.
func (e *TimeoutError) Timeout() bool { return true }

var (
	// ErrPipelineFull is the reason of a release when the request pipeline has no free slot.
	ErrPipelineFull = errors.New("request pipeline is full")
	// ErrChoked is the reason of a release when the peer is choking us.
	ErrChoked = errors.New("choked by peer")
)
