// Package btconn performs the BitTorrent handshake on a connection.
package btconn

import (
	"context"
	"net"
	"time"

	"github.com/pieceflow/pieceflow/internal/peerprotocol"
)

var (
	errInvalidInfoHash = &peerprotocol.ProtocolError{Reason: "invalid info hash"}
	errOwnConnection   = &peerprotocol.ProtocolError{Reason: "dropped own connection"}
)

// Result contains the values learned from the remote handshake.
type Result struct {
	Extensions peerprotocol.ExtensionBits
	PeerID     [20]byte
}

// Dial opens a TCP connection to addr. The dial is aborted when ctx is done.
func Dial(ctx context.Context, addr net.Addr, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, addr.Network(), addr.String())
}

// Outgoing sends our handshake first and then reads the remote one.
// The remote side must answer with the same info hash.
func Outgoing(conn net.Conn, timeout time.Duration, ours peerprotocol.Handshake) (Result, error) {
	var res Result
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return res, err
	}
	if err := write(conn, ours); err != nil {
		return res, err
	}
	ext, ih, err := peerprotocol.ReadHandshakeHeader(conn)
	if err != nil {
		return res, err
	}
	if ih != ours.InfoHash {
		return res, errInvalidInfoHash
	}
	id, err := peerprotocol.ReadPeerID(conn)
	if err != nil {
		return res, err
	}
	if id == ours.PeerID {
		return res, errOwnConnection
	}
	return Result{Extensions: ext, PeerID: id}, conn.SetDeadline(time.Time{})
}

// Incoming reads the remote handshake header, checks the info hash and then
// sends our handshake before reading the remote peer id.
func Incoming(conn net.Conn, timeout time.Duration, ours peerprotocol.Handshake) (Result, error) {
	var res Result
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return res, err
	}
	ext, ih, err := peerprotocol.ReadHandshakeHeader(conn)
	if err != nil {
		return res, err
	}
	if ih != ours.InfoHash {
		return res, errInvalidInfoHash
	}
	if err = write(conn, ours); err != nil {
		return res, err
	}
	id, err := peerprotocol.ReadPeerID(conn)
	if err != nil {
		return res, err
	}
	if id == ours.PeerID {
		return res, errOwnConnection
	}
	return Result{Extensions: ext, PeerID: id}, conn.SetDeadline(time.Time{})
}

func write(conn net.Conn, h peerprotocol.Handshake) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = conn.Write(b)
	return err
}
