package torrent

import (
	"github.com/pieceflow/pieceflow/internal/peer"
	"github.com/pieceflow/pieceflow/internal/piecemap"
)

// Stats contains statistics about Torrent.
type Stats struct {
	// Status of the torrent: "stopped", "verifying", "downloading" or "seeding".
	Status string
	Pieces struct {
		// Number of pieces that are checked when torrent is in "verifying" state.
		Checked uint32
		// Number of pieces that are downloaded and passed hash check.
		Have uint32
		// Number of pieces that need to be downloaded. Some of them may be being downloaded.
		Missing uint32
		// Number of pieces that have at least one requested or received block.
		InProgress int
		// Number of unique pieces available on connected peers.
		// If this number is less than the number of missing pieces, the download may never finish.
		Available uint32
		// Number of total pieces in torrent.
		Total uint32
	}
	Bytes struct {
		// Bytes of pieces that are downloaded and passed hash check.
		Completed int64
		// The number of bytes that is needed to complete all missing pieces.
		Incomplete int64
		// The number of total bytes of the torrent. Total = Completed + Incomplete
		Total int64
		// Downloaded is the number of bytes downloaded from swarm.
		// Because some pieces may be downloaded more than once, this number may be greater than completed bytes.
		Downloaded int64
		// Uploaded is the number of bytes uploaded to the swarm.
		Uploaded int64
		// Bytes received for blocks that are not requested or already received.
		Wasted int64
	}
	Peers struct {
		// Number of peers that are connected, handshaked and ready to send and receive messages.
		Total int
		// Number of peers that have connected to us.
		Incoming int
		// Number of peers that we have connected to.
		Outgoing int
		// Number of outgoing connections in progress.
		Dialing int
		// Number of addresses waiting to be dialed.
		Waiting int
	}
	// Speeds in bytes per second.
	Speed struct {
		Download int
		Upload   int
	}
	// Number of pieces that failed hash check.
	BadPieces int64
	// Number of pieces that could not be written to storage.
	StorageErrors int64
	// True when few blocks are left and duplicate requests are allowed.
	Endgame bool
}

type statsRequest struct {
	Response chan Stats
}

// Stats returns statistics about the Torrent.
// Zero value is returned after Close.
func (t *Torrent) Stats() Stats {
	req := statsRequest{Response: make(chan Stats, 1)}
	select {
	case t.statsCommandC <- req:
	case <-t.closeC:
		return Stats{}
	}
	select {
	case s := <-req.Response:
		return s
	case <-t.closeC:
		return Stats{}
	}
}

func (t *Torrent) stats() Stats {
	var s Stats
	switch {
	case !t.started:
		s.Status = "stopped"
	case t.verifier != nil:
		s.Status = "verifying"
	case t.completed:
		s.Status = "seeding"
	default:
		s.Status = "downloading"
	}

	s.Pieces.Checked = t.checkedPieces
	s.Pieces.Have = t.pieceMap.CompletedPieces()
	s.Pieces.Total = t.pieceMap.NumPieces()
	s.Pieces.Missing = s.Pieces.Total - s.Pieces.Have
	s.Pieces.InProgress = t.pieceMap.NumInProgress()
	for i := uint32(0); i < s.Pieces.Total; i++ {
		if t.pieceMap.State(i) != piecemap.Complete && t.picker.Availability(i) > 0 {
			s.Pieces.Available++
		}
	}

	ts := t.transferStats()
	s.Bytes.Completed = t.pieceMap.CompletedBytes()
	s.Bytes.Total = t.pieceMap.TotalBytes()
	s.Bytes.Incomplete = s.Bytes.Total - s.Bytes.Completed
	s.Bytes.Downloaded = ts.BytesDownloaded
	s.Bytes.Uploaded = ts.BytesUploaded
	s.Bytes.Wasted = ts.BytesWasted

	s.Peers.Total = len(t.peers)
	for _, pe := range t.peerOrder {
		if pe.Source == peer.Incoming {
			s.Peers.Incoming++
		} else {
			s.Peers.Outgoing++
		}
		s.Speed.Download += pe.DownloadSpeed()
		s.Speed.Upload += pe.UploadSpeed()
	}
	s.Peers.Dialing = len(t.dialing)
	s.Peers.Waiting = t.addrList.Len()

	s.BadPieces = t.metrics.BadPieces.Count()
	s.StorageErrors = t.metrics.StorageErrors.Count()
	s.Endgame = !t.completed && t.picker.Endgame(t.pieceMap)
	return s
}

// transferStats adds the counters of this run to the ones loaded from Resumer.
func (t *Torrent) transferStats() ResumeStats {
	return ResumeStats{
		BytesDownloaded: t.resumeStats.BytesDownloaded + t.metrics.Downloaded.Count(),
		BytesUploaded:   t.resumeStats.BytesUploaded + t.metrics.Uploaded.Count(),
		BytesWasted:     t.resumeStats.BytesWasted + t.metrics.Wasted.Count(),
	}
}
