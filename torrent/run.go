package torrent

import (
	"net"
	"time"
)

// Torrent event loop
func (t *Torrent) run() {
	defer close(t.doneC)
	defer t.close()

	unchokeTicker := time.NewTicker(t.config.UnchokeInterval)
	defer unchokeTicker.Stop()

	for {
		select {
		case <-t.closeC:
			return
		case req := <-t.startCommandC:
			req.errC <- t.start(req.listener)
		case addrs := <-t.addPeersC:
			t.addrList.Push(addrs)
			t.dialAddresses()
		case addrs, ok := <-t.sourceC():
			if !ok {
				t.source = nil
				break
			}
			t.addrList.Push(addrs)
			t.dialAddresses()
		case conn := <-t.incomingConnC:
			t.handleIncomingConn(conn)
		case msg := <-t.messages:
			t.handleSessionMessage(msg)
		case pw := <-t.writeResultC:
			t.handlePieceWriteDone(pw)
		case p := <-t.verifierProgressC:
			t.checkedPieces = p.Checked
		case v := <-t.verifierResultC:
			t.handleVerificationDone(v)
		case <-unchokeTicker.C:
			t.tickUnchoke()
		case req := <-t.statsCommandC:
			req.Response <- t.stats()
		}
	}
}

// sourceC returns nil until the torrent is started so that addresses stay in the source.
func (t *Torrent) sourceC() <-chan []*net.TCPAddr {
	if !t.started || t.source == nil {
		return nil
	}
	return t.source.Peers()
}
