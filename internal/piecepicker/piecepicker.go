// Package piecepicker selects the next block to request and the peer to request it from.
package piecepicker

import (
	"math/rand"
	"time"

	"github.com/pieceflow/pieceflow/internal/bitfield"
	"github.com/pieceflow/pieceflow/internal/piecemap"
	"github.com/pieceflow/pieceflow/internal/sessionid"
)

/*

Things to consider when selecting a block:

  * Piece is complete or verifying
  * Piece is in progress (finish open pieces first, least complete first)
  * Peer has the piece
  * Peer is choking us, or we did not tell it that we are interested
  * Peer has no free slot in its request pipeline
  * Rarity of the piece among connected peers (never pick rarity 0)
  * Endgame: few blocks left, duplicate requests are allowed up to a limit

Do not forget to re-check these when making changes.

*/

// Candidate is a peer that may receive a request.
type Candidate struct {
	ID         sessionid.ID
	Bitfield   *bitfield.Bitfield
	Capacity   int  // free slots in the request pipeline
	ChokedBy   bool // peer is choking us
	Interested bool // we told the peer that we are interested
}

func (c *Candidate) eligible() bool {
	return c.Capacity > 0 && !c.ChokedBy && c.Interested
}

// Assignment is a block to request from a peer.
type Assignment struct {
	Peer      sessionid.ID
	Piece     uint32
	Block     uint32
	Begin     uint32
	Length    uint32
	Duplicate bool // requested from another peer too (endgame)
}

// PiecePicker implements rarest-first selection with a random tie-break.
// Its only state is the availability counters and the random source.
type PiecePicker struct {
	availability     []uint32
	rand             *rand.Rand
	endgameThreshold int
	maxDuplicates    int
}

// New returns a new PiecePicker for numPieces pieces.
// endgameThreshold is the number of missing blocks at which duplicate requests are allowed.
// maxDuplicates is the maximum number of peers a block may be requested from in endgame.
func New(numPieces uint32, endgameThreshold, maxDuplicates int, seed int64) *PiecePicker {
	if maxDuplicates < 1 {
		maxDuplicates = 1
	}
	return &PiecePicker{
		availability:     make([]uint32, numPieces),
		rand:             rand.New(rand.NewSource(seed)), // nolint: gosec
		endgameThreshold: endgameThreshold,
		maxDuplicates:    maxDuplicates,
	}
}

// Availability returns the number of peers that have piece i.
func (p *PiecePicker) Availability(i uint32) uint32 { return p.availability[i] }

// HandleBitfield adds the pieces of a peer's bitfield to availability counters.
func (p *PiecePicker) HandleBitfield(bf *bitfield.Bitfield) {
	for i := range p.availability {
		if bf.Test(uint32(i)) {
			p.availability[i]++
		}
	}
}

// HandleHave must be called when a peer announces a piece it did not have before.
func (p *PiecePicker) HandleHave(i uint32) {
	p.availability[i]++
}

// HandleDisconnect removes the contribution of a peer's bitfield.
func (p *PiecePicker) HandleDisconnect(bf *bitfield.Bitfield) {
	for i := range p.availability {
		if bf.Test(uint32(i)) && p.availability[i] > 0 {
			p.availability[i]--
		}
	}
}

// Endgame reports whether duplicate requests are allowed for the given map.
func (p *PiecePicker) Endgame(pm *piecemap.PieceMap) bool {
	return pm.MissingBlocks() > 0 && pm.MissingBlocks() <= p.endgameThreshold
}

// Pick returns the next block to request. It returns false if no peer
// has free capacity or no block can be requested from the peers that do.
// Pick does not modify pm. The caller records the request and decrements
// the capacity of the chosen candidate before calling Pick again.
func (p *PiecePicker) Pick(pm *piecemap.PieceMap, peers []Candidate) (Assignment, bool) {
	eligible := make([]*Candidate, 0, len(peers))
	for i := range peers {
		if peers[i].eligible() {
			eligible = append(eligible, &peers[i])
		}
	}
	if len(eligible) == 0 {
		return Assignment{}, false
	}
	if a, ok := p.pickInProgress(pm, eligible); ok {
		return a, true
	}
	if a, ok := p.pickRarest(pm, eligible); ok {
		return a, true
	}
	if p.Endgame(pm) {
		return p.pickDuplicate(pm, eligible)
	}
	return Assignment{}, false
}

// pickInProgress continues the least complete open piece.
func (p *PiecePicker) pickInProgress(pm *piecemap.PieceMap, peers []*Candidate) (Assignment, bool) {
	var (
		ties []uint32
		best float64
	)
	for _, i := range pm.InProgress() {
		requested, received := pm.Progress(i)
		numBlocks := len(pm.Piece(i).Blocks)
		if requested+received == numBlocks {
			continue
		}
		if !hasHolder(peers, i) {
			continue
		}
		done := float64(requested+received) / float64(numBlocks)
		switch {
		case len(ties) == 0 || done < best:
			best = done
			ties = append(ties[:0], i)
		case done == best:
			ties = append(ties, i)
		}
	}
	if len(ties) == 0 {
		return Assignment{}, false
	}
	i := ties[p.rand.Intn(len(ties))]
	return p.assignFirstFree(pm, peers, i)
}

// pickRarest starts a new piece with the lowest non-zero availability.
func (p *PiecePicker) pickRarest(pm *piecemap.PieceMap, peers []*Candidate) (Assignment, bool) {
	var (
		ties []uint32
		best uint32
	)
	for i, avail := range p.availability {
		if avail == 0 {
			continue
		}
		if pm.State(uint32(i)) != piecemap.Missing {
			continue
		}
		if len(ties) > 0 && avail > best {
			continue
		}
		if !hasHolder(peers, uint32(i)) {
			continue
		}
		if len(ties) == 0 || avail < best {
			best = avail
			ties = ties[:0]
		}
		ties = append(ties, uint32(i))
	}
	if len(ties) == 0 {
		return Assignment{}, false
	}
	i := ties[p.rand.Intn(len(ties))]
	return p.assignFirstFree(pm, peers, i)
}

func (p *PiecePicker) assignFirstFree(pm *piecemap.PieceMap, peers []*Candidate, i uint32) (Assignment, bool) {
	pi := pm.Piece(i)
	for b := range pi.Blocks {
		if pm.BlockState(i, uint32(b)) != piecemap.NotRequested {
			continue
		}
		pe := p.choosePeer(peers, i, nil)
		if pe == nil {
			return Assignment{}, false
		}
		blk := pi.Blocks[b]
		return Assignment{Peer: pe.ID, Piece: i, Block: blk.Index, Begin: blk.Begin, Length: blk.Length}, true
	}
	return Assignment{}, false
}

// pickDuplicate requests an already requested block from another peer.
func (p *PiecePicker) pickDuplicate(pm *piecemap.PieceMap, peers []*Candidate) (Assignment, bool) {
	var (
		best     Assignment
		bestPeer *Candidate
		bestN    int
		bestTime time.Time
	)
	for _, i := range pm.InProgress() {
		pi := pm.Piece(i)
		for b := range pi.Blocks {
			if pm.BlockState(i, uint32(b)) != piecemap.Requested {
				continue
			}
			owners := pm.Owners(i, uint32(b))
			if len(owners) >= p.maxDuplicates {
				continue
			}
			oldest := owners[0].RequestedAt
			for _, o := range owners[1:] {
				if o.RequestedAt.Before(oldest) {
					oldest = o.RequestedAt
				}
			}
			if bestPeer != nil && (len(owners) > bestN || (len(owners) == bestN && !oldest.Before(bestTime))) {
				continue
			}
			pe := p.choosePeer(peers, i, owners)
			if pe == nil {
				continue
			}
			blk := pi.Blocks[b]
			best = Assignment{Peer: pe.ID, Piece: i, Block: blk.Index, Begin: blk.Begin, Length: blk.Length, Duplicate: true}
			bestPeer = pe
			bestN = len(owners)
			bestTime = oldest
		}
	}
	if bestPeer == nil {
		return Assignment{}, false
	}
	return best, true
}

// choosePeer returns the holder of piece i with the most free capacity.
func (p *PiecePicker) choosePeer(peers []*Candidate, i uint32, exclude []piecemap.Owner) *Candidate {
	var ties []*Candidate
	for _, pe := range peers {
		if !pe.Bitfield.Test(i) || isOwner(exclude, pe.ID) {
			continue
		}
		switch {
		case len(ties) == 0 || pe.Capacity > ties[0].Capacity:
			ties = append(ties[:0], pe)
		case pe.Capacity == ties[0].Capacity:
			ties = append(ties, pe)
		}
	}
	switch len(ties) {
	case 0:
		return nil
	case 1:
		return ties[0]
	}
	return ties[p.rand.Intn(len(ties))]
}

func hasHolder(peers []*Candidate, i uint32) bool {
	for _, pe := range peers {
		if pe.Bitfield.Test(i) {
			return true
		}
	}
	return false
}

func isOwner(owners []piecemap.Owner, id sessionid.ID) bool {
	for _, o := range owners {
		if o.Session == id {
			return true
		}
	}
	return false
}
