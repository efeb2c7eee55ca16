package torrent

import (
	"time"

	"github.com/pieceflow/pieceflow/internal/piecemap"
	"github.com/pieceflow/pieceflow/internal/piecepicker"
	"github.com/pieceflow/pieceflow/internal/sessionid"
)

// fillPipelines assigns blocks to peers until no peer has free capacity or nothing can be picked.
func (t *Torrent) fillPipelines() {
	if t.completed || t.verifier != nil || len(t.peerOrder) == 0 {
		return
	}
	candidates := make([]piecepicker.Candidate, len(t.peerOrder))
	index := make(map[sessionid.ID]int, len(t.peerOrder))
	for i, pe := range t.peerOrder {
		candidates[i] = piecepicker.Candidate{
			ID:         pe.ID,
			Bitfield:   pe.bitfield,
			Capacity:   pe.capacity(),
			ChokedBy:   pe.chokedBy,
			Interested: pe.interestedIn,
		}
		index[pe.ID] = i
	}
	now := time.Now()
	var n int
	for {
		a, ok := t.picker.Pick(t.pieceMap, candidates)
		if !ok {
			break
		}
		pe := t.peers[a.Peer]
		t.pieceMap.Request(a.Piece, a.Block, a.Peer, now)
		pe.requests[piecemap.BlockRef{Piece: a.Piece, Block: a.Block}] = struct{}{}
		pe.Request(a.Piece, a.Begin, a.Length)
		candidates[index[a.Peer]].Capacity--
		n++
	}
	if n > 0 {
		t.log.Debugf("requested %d blocks, %d pieces in progress", n, t.pieceMap.NumInProgress())
	}
}

// releaseRequest returns a block that the session will not deliver.
func (t *Torrent) releaseRequest(pe *peerState, ref piecemap.BlockRef) {
	if _, ok := pe.requests[ref]; !ok {
		return
	}
	delete(pe.requests, ref)
	t.pieceMap.Release(ref.Piece, ref.Block, pe.ID)
	t.releaseStagingIfIdle(ref.Piece)
}
