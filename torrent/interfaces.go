package torrent

import (
	"net"

	"github.com/pieceflow/pieceflow/internal/resumer"
)

// Storage keeps the data of the torrent.
// Both methods must be safe to call concurrently and to retry.
type Storage interface {
	WriteBlock(index, begin uint32, data []byte) error
	ReadPiece(index uint32) ([]byte, error)
}

// PeerSource supplies addresses of peers in the swarm, e.g. a tracker or DHT client.
// Torrent stops reading from the source when the channel is closed.
type PeerSource interface {
	Peers() <-chan []*net.TCPAddr
}

// Resumer persists the completed pieces and transfer stats of a torrent.
type Resumer = resumer.Resumer

// ResumeStats are the counters saved by Resumer.
type ResumeStats = resumer.Stats
