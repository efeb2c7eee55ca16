package torrent

import (
	"github.com/pieceflow/pieceflow/internal/unchoker"
)

func (t *Torrent) tickUnchoke() {
	peers := make([]unchoker.Peer, 0, len(t.peerOrder))
	for _, pe := range t.peerOrder {
		peers = append(peers, pe)
	}
	t.unchoker.TickUnchoke(peers, t.completed)
}
