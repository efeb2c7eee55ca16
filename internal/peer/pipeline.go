package peer

import (
	"container/list"
	"time"

	"github.com/pieceflow/pieceflow/internal/peerprotocol"
)

type outstandingRequest struct {
	peerprotocol.RequestMessage
	sentAt time.Time
}

// pipeline is the FIFO of requests sent to the peer and not answered yet.
type pipeline struct {
	l     *list.List
	index map[peerprotocol.RequestMessage]*list.Element
}

func newPipeline() *pipeline {
	return &pipeline{
		l:     list.New(),
		index: make(map[peerprotocol.RequestMessage]*list.Element),
	}
}

func (p *pipeline) Len() int { return p.l.Len() }

func (p *pipeline) Has(r peerprotocol.RequestMessage) bool {
	_, ok := p.index[r]
	return ok
}

func (p *pipeline) Push(r peerprotocol.RequestMessage, now time.Time) {
	p.index[r] = p.l.PushBack(outstandingRequest{RequestMessage: r, sentAt: now})
}

// Remove returns false if r is not outstanding.
func (p *pipeline) Remove(r peerprotocol.RequestMessage) bool {
	e, ok := p.index[r]
	if !ok {
		return false
	}
	p.l.Remove(e)
	delete(p.index, r)
	return true
}

// Expired removes and returns the requests sent before deadline.
func (p *pipeline) Expired(deadline time.Time) []peerprotocol.RequestMessage {
	var ret []peerprotocol.RequestMessage
	for e := p.l.Front(); e != nil; e = p.l.Front() {
		r := e.Value.(outstandingRequest)
		if r.sentAt.After(deadline) {
			break
		}
		p.l.Remove(e)
		delete(p.index, r.RequestMessage)
		ret = append(ret, r.RequestMessage)
	}
	return ret
}

// Flush removes and returns all requests.
func (p *pipeline) Flush() []peerprotocol.RequestMessage {
	ret := make([]peerprotocol.RequestMessage, 0, p.l.Len())
	for e := p.l.Front(); e != nil; e = e.Next() {
		ret = append(ret, e.Value.(outstandingRequest).RequestMessage)
	}
	p.l.Init()
	p.index = make(map[peerprotocol.RequestMessage]*list.Element)
	return ret
}
