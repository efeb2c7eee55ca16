package torrent

import (
	"fmt"

	"github.com/pieceflow/pieceflow/internal/peer"
	"github.com/pieceflow/pieceflow/internal/piecemap"
)

func (t *Torrent) handleSessionMessage(pm peer.Message) {
	s := pm.Session
	switch msg := pm.Message.(type) {
	case peer.Connected:
		t.handleConnected(s, msg)
		return
	case peer.Disconnected:
		t.handleDisconnected(s, msg)
		return
	}
	pe, ok := t.peers[s.ID]
	if !ok {
		// Duplicate session that is being closed.
		if b, ok := pm.Message.(peer.BlockReceived); ok {
			b.Buffer.Release()
		}
		return
	}
	switch msg := pm.Message.(type) {
	case peer.BitfieldReceived:
		pe.bitfield = msg.Bitfield
		t.picker.HandleBitfield(msg.Bitfield)
		t.updateInterest(pe)
		t.fillPipelines()
	case peer.HaveReceived:
		if pe.bitfield.Test(msg.Index) {
			break
		}
		pe.bitfield.Set(msg.Index)
		t.picker.HandleHave(msg.Index)
		if !pe.interestedIn && !t.pieceMap.Have(msg.Index) {
			pe.interestedIn = true
			pe.Session.Interested()
		}
		t.fillPipelines()
	case peer.Choked:
		// Requests are released by the session with RequestsReleased.
		// Some of them may still be sent if the peer unchokes us before the session handles them.
		pe.chokedBy = true
	case peer.Unchoked:
		pe.chokedBy = false
		t.fillPipelines()
	case peer.Interested:
		pe.peerInterested = true
		t.unchoker.FastUnchoke(pe)
	case peer.NotInterested:
		pe.peerInterested = false
	case peer.BlockReceived:
		t.handleBlockReceived(pe, msg)
	case peer.BlockDiscarded:
		pe.wasted += int64(msg.Length)
		t.metrics.Wasted.Inc(int64(msg.Length))
	case peer.RequestsReleased:
		for _, r := range msg.Requests {
			b, ok := t.pieces[r.Index].FindBlock(r.Begin, r.Length)
			if !ok {
				panic(fmt.Sprintf("released request does not match a block: %+v", r))
			}
			t.releaseRequest(pe, piecemap.BlockRef{Piece: r.Index, Block: b.Index})
		}
		t.log.Debugf("%d requests released by %s: %s", len(msg.Requests), pe.Addr, msg.Reason)
		t.fillPipelines()
	case peer.BlockUploaded:
		t.metrics.Uploaded.Mark(int64(msg.Length))
	default:
		panic(fmt.Sprintf("unhandled session message: %T", msg))
	}
}

// updateInterest sends interested or not interested to the peer if our interest has changed.
// We are interested iff the peer has a piece that we don't have.
func (t *Torrent) updateInterest(pe *peerState) {
	interested := !t.completed && len(pe.bitfield.AndNot(t.snapshot.Load())) > 0
	if interested == pe.interestedIn {
		return
	}
	pe.interestedIn = interested
	if interested {
		pe.Session.Interested()
	} else {
		pe.NotInterested()
	}
}
