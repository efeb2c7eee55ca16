package torrent

import (
	"net"

	"github.com/pieceflow/pieceflow/internal/peer"
)

func (t *Torrent) dialAddresses() {
	if !t.started || t.verifier != nil {
		return
	}
	for len(t.dialing) < t.config.MaxPeerDial && len(t.sessions) < t.config.MaxPeers {
		addr := t.addrList.Pop()
		if addr == nil {
			break
		}
		if _, ok := t.sessionAddrs[addr.String()]; ok {
			continue
		}
		s := peer.NewOutgoing(addr, t.sessionTorrent, t.sessionConfig, t.messages, t.closeC)
		t.dialing[s.ID] = struct{}{}
		t.sessionAddrs[addr.String()] = struct{}{}
		t.startSession(s)
	}
	t.metrics.PeersConnecting.Update(int64(len(t.dialing)))
}

func (t *Torrent) handleIncomingConn(conn net.Conn) {
	if t.verifier != nil {
		t.log.Debugln("verifying existing data, rejecting peer", conn.RemoteAddr())
		conn.Close()
		return
	}
	if len(t.sessions) >= t.config.MaxPeers {
		t.log.Debugln("peer limit reached, rejecting peer", conn.RemoteAddr())
		conn.Close()
		return
	}
	t.startSession(peer.NewIncoming(conn, t.sessionTorrent, t.sessionConfig, t.messages, t.closeC))
}

func (t *Torrent) startSession(s *peer.Session) {
	t.sessions[s.ID] = s
	go s.Run()
}

// handleConnected registers a session that completed the handshake.
func (t *Torrent) handleConnected(s *peer.Session, msg peer.Connected) {
	delete(t.dialing, s.ID)
	t.metrics.PeersConnecting.Update(int64(len(t.dialing)))
	if _, ok := t.peerIDs[msg.PeerID]; ok {
		s.Close()
		t.log.Debugln(errDuplicatePeer, s.Addr)
		return
	}
	pe := newPeerState(s, msg.PeerID, t.metadata.NumPieces)
	t.peers[s.ID] = pe
	t.peerOrder = append(t.peerOrder, pe)
	t.peerIDs[msg.PeerID] = s.ID
	t.metrics.Peers.Update(int64(len(t.peers)))

	// Pieces completed after the session took the snapshot for its bitfield.
	have := t.snapshot.Load()
	for i := uint32(0); i < have.Len(); i++ {
		if have.Test(i) && (msg.Bitfield == nil || !msg.Bitfield.Test(i)) {
			s.Have(i)
		}
	}
	t.log.Debugln("peer connected:", s.Addr)
	t.events.push(Event{Type: PeerConnected, PeerID: msg.PeerID, Addr: s.Addr})
}

// handleDisconnected removes the session and returns its blocks to the other peers.
func (t *Torrent) handleDisconnected(s *peer.Session, msg peer.Disconnected) {
	delete(t.sessions, s.ID)
	delete(t.dialing, s.ID)
	if s.Source == peer.Outgoing {
		delete(t.sessionAddrs, s.Addr.String())
	}
	pe, ok := t.peers[s.ID]
	if ok {
		t.closePeer(pe, msg.Err)
	}
	t.dialAddresses()
	if ok {
		t.fillPipelines()
	}
}

func (t *Torrent) closePeer(pe *peerState, err error) {
	released := t.pieceMap.ReleaseSession(pe.ID)
	for _, ref := range released {
		t.releaseStagingIfIdle(ref.Piece)
	}
	pe.requests = nil
	t.picker.HandleDisconnect(pe.bitfield)
	t.unchoker.HandleDisconnect(pe)

	delete(t.peers, pe.ID)
	delete(t.peerIDs, pe.peerID)
	for i, p := range t.peerOrder {
		if p == pe {
			t.peerOrder = append(t.peerOrder[:i], t.peerOrder[i+1:]...)
			break
		}
	}
	t.metrics.Peers.Update(int64(len(t.peers)))
	if err != nil {
		t.log.Debugf("peer disconnected: %s, released %d blocks: %s", pe.Addr, len(released), err)
	} else {
		t.log.Debugf("peer disconnected: %s, released %d blocks", pe.Addr, len(released))
	}
	t.events.push(Event{Type: PeerDisconnected, PeerID: pe.peerID, Addr: pe.Addr, Err: err})
}
