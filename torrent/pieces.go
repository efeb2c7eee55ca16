package torrent

import (
	"github.com/pieceflow/pieceflow/internal/peer"
	"github.com/pieceflow/pieceflow/internal/piecemap"
	"github.com/pieceflow/pieceflow/internal/piecewriter"
)

func (t *Torrent) handleBlockReceived(pe *peerState, msg peer.BlockReceived) {
	defer msg.Buffer.Release()
	length := msg.Length()
	t.metrics.Downloaded.Mark(int64(length))

	res, err := t.pieceMap.Receive(msg.Index, msg.Begin, length, pe.ID)
	if err != nil {
		// The session only delivers blocks that match a request, and requests are blocks.
		panic(err)
	}
	delete(pe.requests, piecemap.BlockRef{Piece: msg.Index, Block: res.Block})
	if !res.Accepted {
		pe.wasted += int64(length)
		t.metrics.Wasted.Inc(int64(length))
		t.fillPipelines()
		return
	}
	buf, ok := t.staging[msg.Index]
	if !ok {
		buf = t.bufferPool.Get(int(t.pieces[msg.Index].Length))
		t.staging[msg.Index] = buf
	}
	if !buf.CopyAt(msg.Begin, msg.Buffer.Data) {
		panic("block does not fit in staging buffer")
	}
	for _, id := range res.Cancel {
		other, ok := t.peers[id]
		if !ok {
			continue
		}
		delete(other.requests, piecemap.BlockRef{Piece: msg.Index, Block: res.Block})
		other.Cancel(msg.Index, msg.Begin, length)
	}
	if res.PieceDone {
		t.startPieceWriter(msg.Index)
	}
	t.fillPipelines()
}

// startPieceWriter verifies and writes a fully received piece in a separate goroutine.
func (t *Torrent) startPieceWriter(i uint32) {
	t.pieceMap.StartVerifying(i)
	buf := t.staging[i]
	delete(t.staging, i)
	pw := piecewriter.New(&t.pieces[i], buf)
	o := piecewriter.Options{
		Retries:       t.config.StorageRetries,
		RetryInterval: t.config.StorageRetryInterval,
		WriteBytes:    t.metrics.Written,
	}
	t.writers.Add(1)
	go func() {
		defer t.writers.Done()
		pw.Run(t.writeCtx, t.storage, o, t.writeSem, t.writeResultC)
	}()
}

func (t *Torrent) handlePieceWriteDone(pw *piecewriter.PieceWriter) {
	pw.Buffer.Release()
	i := pw.Piece.Index
	if pw.Error != nil {
		t.pieceMap.MarkFailed(i)
		switch err := pw.Error.(type) {
		case *IntegrityError:
			t.metrics.BadPieces.Inc(1)
			t.log.Errorln(err)
			t.events.push(Event{Type: BadPiece, Piece: i})
		case *StorageError:
			t.metrics.StorageErrors.Inc(1)
			t.log.Errorln(err)
			t.events.push(Event{Type: StorageFailed, Piece: i, Err: err})
		default:
			panic(pw.Error)
		}
		t.fillPipelines()
		return
	}
	t.pieceMap.MarkComplete(i)
	t.metrics.CompletedPieces.Inc(1)
	t.publishBitfield()
	t.writeBitfield()
	for _, pe := range t.peerOrder {
		pe.Have(i)
	}
	t.log.Debugf("piece #%d is complete (%d/%d)", i, t.pieceMap.CompletedPieces(), t.pieceMap.NumPieces())
	t.events.push(Event{Type: PieceCompleted, Piece: i})
	t.events.push(Event{Type: Progress, HaveBytes: t.pieceMap.CompletedBytes(), TotalBytes: t.pieceMap.TotalBytes()})
	t.checkCompletion()
	if !t.completed {
		for _, pe := range t.peerOrder {
			if pe.interestedIn && pe.bitfield.Test(i) {
				t.updateInterest(pe)
			}
		}
	}
	t.fillPipelines()
}

// checkCompletion closes completeC after the last piece is complete.
func (t *Torrent) checkCompletion() {
	if t.completed || !t.pieceMap.Completed() {
		return
	}
	t.completed = true
	close(t.completeC)
	t.log.Info("download completed")
	t.events.push(Event{Type: Completed})
	for _, pe := range t.peerOrder {
		t.updateInterest(pe)
	}
}

func (t *Torrent) writeBitfield() {
	if t.resumer == nil {
		return
	}
	if err := t.resumer.WriteBitfield(t.snapshot.Load().Bytes()); err != nil {
		t.log.Errorln("cannot write bitfield to resume db:", err)
	}
}

// releaseStagingIfIdle drops the staging buffer of a piece that went back to Missing
// because all of its requests are released before any block is received.
func (t *Torrent) releaseStagingIfIdle(i uint32) {
	if t.pieceMap.State(i) != piecemap.Missing {
		return
	}
	if buf, ok := t.staging[i]; ok {
		buf.Release()
		delete(t.staging, i)
	}
}
