package peer

import "sync"

// mailbox is an unbounded command queue.
// Post never blocks so the coordinator cannot be stalled by a slow session.
type mailbox struct {
	mu      sync.Mutex
	items   []interface{}
	signalC chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signalC: make(chan struct{}, 1)}
}

func (m *mailbox) Post(cmd interface{}) {
	m.mu.Lock()
	m.items = append(m.items, cmd)
	m.mu.Unlock()
	select {
	case m.signalC <- struct{}{}:
	default:
	}
}

// Take returns all queued commands in the order they are posted.
func (m *mailbox) Take() []interface{} {
	m.mu.Lock()
	items := m.items
	m.items = nil
	m.mu.Unlock()
	return items
}

type requestCommand struct{ Index, Begin, Length uint32 }

type cancelCommand struct{ Index, Begin, Length uint32 }

type haveCommand struct{ Index uint32 }

type (
	chokeCommand         struct{}
	unchokeCommand       struct{}
	interestedCommand    struct{}
	notInterestedCommand struct{}
)
