package torrent

import (
	"net"
)

// EventType is the kind of an Event.
type EventType int

// Event types.
const (
	// PieceCompleted is emitted when a piece is verified and written to storage.
	PieceCompleted EventType = iota
	PeerConnected
	PeerDisconnected
	// BadPiece is emitted once for every downloaded piece that fails hash check.
	BadPiece
	// Progress is emitted after PieceCompleted with the new totals.
	Progress
	// StorageFailed is emitted when a verified piece cannot be written after retries.
	StorageFailed
	// Completed is emitted once when all pieces are complete.
	Completed
)

var eventTypeStrings = [...]string{
	PieceCompleted:   "piece_completed",
	PeerConnected:    "peer_connected",
	PeerDisconnected: "peer_disconnected",
	BadPiece:         "bad_piece",
	Progress:         "progress",
	StorageFailed:    "storage_error",
	Completed:        "completed",
}

func (t EventType) String() string { return eventTypeStrings[t] }

// Event is an observable change in the state of a Torrent.
// Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// PieceCompleted, BadPiece, StorageFailed
	Piece uint32

	// PeerConnected, PeerDisconnected
	PeerID [20]byte
	Addr   net.Addr

	// Progress
	HaveBytes  int64
	TotalBytes int64

	// PeerDisconnected, StorageFailed
	Err error
}

// eventQueue delivers events in order without blocking the sender on the consumer.
type eventQueue struct {
	inC    chan Event
	outC   chan Event
	closeC chan struct{}
	doneC  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		inC:    make(chan Event),
		outC:   make(chan Event),
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

func (q *eventQueue) push(e Event) {
	select {
	case q.inC <- e:
	case <-q.closeC:
	}
}

// close stops the queue. Events not received yet are dropped and the output channel is closed.
func (q *eventQueue) close() {
	close(q.closeC)
	<-q.doneC
}

func (q *eventQueue) run() {
	defer close(q.doneC)
	defer close(q.outC)
	var pending []Event
	for {
		var (
			outC chan Event
			next Event
		)
		if len(pending) > 0 {
			outC = q.outC
			next = pending[0]
		}
		select {
		case e := <-q.inC:
			pending = append(pending, e)
		case outC <- next:
			pending[0] = Event{}
			pending = pending[1:]
		case <-q.closeC:
			return
		}
	}
}
