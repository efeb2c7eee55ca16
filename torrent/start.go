package torrent

import (
	"net"

	"github.com/pieceflow/pieceflow/internal/acceptor"
	"github.com/pieceflow/pieceflow/internal/verifier"
)

func (t *Torrent) start(l net.Listener) error {
	if t.started {
		if l != nil {
			l.Close()
		}
		return errStarted
	}
	t.started = true
	t.log.Info("starting torrent")
	if l != nil {
		t.addr.Store(l.Addr().(*net.TCPAddr))
		t.acceptor = acceptor.New(l, t.incomingConnC, t.log)
		go t.acceptor.Run()
		t.log.Infoln("listening on", l.Addr())
	}
	if t.needsVerification() {
		t.startVerifier()
		return nil
	}
	t.dialAddresses()
	return nil
}

func (t *Torrent) startVerifier() {
	t.log.Info("verifying existing data")
	t.verifier = verifier.New()
	go t.verifier.Run(t.pieces, t.storage, t.verifierProgressC, t.verifierResultC)
}

func (t *Torrent) handleVerificationDone(v *verifier.Verifier) {
	t.verifier = nil
	for i := uint32(0); i < v.Bitfield.Len(); i++ {
		if v.Bitfield.Test(i) {
			t.pieceMap.SetComplete(i)
		}
	}
	t.log.Infof("verification done: %d of %d pieces found", v.Bitfield.Count(), v.Bitfield.Len())
	t.publishBitfield()
	t.writeBitfield()
	t.checkCompletion()
	t.dialAddresses()
}
