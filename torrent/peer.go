package torrent

import (
	"github.com/pieceflow/pieceflow/internal/bitfield"
	"github.com/pieceflow/pieceflow/internal/peer"
	"github.com/pieceflow/pieceflow/internal/piecemap"
	"github.com/pieceflow/pieceflow/internal/unchoker"
)

// peerState is the view of the coordinator on a connected session.
// It is only accessed from the run loop.
type peerState struct {
	*peer.Session

	peerID   [20]byte
	bitfield *bitfield.Bitfield

	// peer is choking us
	chokedBy bool
	// we sent interested
	interestedIn bool
	// peer sent interested
	peerInterested bool
	// we are choking the peer
	choking    bool
	optimistic bool

	// blocks requested from the session and not received, released or cancelled yet
	requests map[piecemap.BlockRef]struct{}

	// bytes received for blocks that were not needed anymore
	wasted int64
}

var _ unchoker.Peer = (*peerState)(nil)

func newPeerState(s *peer.Session, peerID [20]byte, numPieces uint32) *peerState {
	return &peerState{
		Session:  s,
		peerID:   peerID,
		bitfield: bitfield.New(numPieces),
		chokedBy: true,
		choking:  true,
		requests: make(map[piecemap.BlockRef]struct{}),
	}
}

// capacity is the number of requests that can be added to the pipeline of the session.
func (p *peerState) capacity() int {
	n := p.PipelineDepth() - len(p.requests)
	if n < 0 {
		return 0
	}
	return n
}

func (p *peerState) Choke() {
	p.choking = true
	p.Session.Choke()
}

func (p *peerState) Unchoke() {
	p.choking = false
	p.Session.Unchoke()
}

func (p *peerState) Choking() bool { return p.choking }

// Interested reports whether the peer is interested in us.
func (p *peerState) Interested() bool { return p.peerInterested }

func (p *peerState) SetOptimistic(value bool) { p.optimistic = value }

func (p *peerState) Optimistic() bool { return p.optimistic }
