package peerprotocol

import (
	"io"
)

// HandshakeLength is the size of the BitTorrent handshake.
const HandshakeLength = 68

var pstr = [20]byte{19, 'B', 'i', 't', 'T', 'o', 'r', 'r', 'e', 'n', 't', ' ', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l'}

// Reserved bit for the extension protocol (BEP 10).
const extensionProtocolByte, extensionProtocolMask = 5, 0x10

// ExtensionBits are the 8 reserved bytes of the handshake.
type ExtensionBits [8]byte

// NewExtensionBits returns reserved bytes with the extension protocol bit set if enabled.
func NewExtensionBits(extensionProtocol bool) ExtensionBits {
	var e ExtensionBits
	if extensionProtocol {
		e[extensionProtocolByte] |= extensionProtocolMask
	}
	return e
}

// ExtensionProtocol reports whether the BEP 10 bit is set.
func (e ExtensionBits) ExtensionProtocol() bool {
	return e[extensionProtocolByte]&extensionProtocolMask != 0
}

// Handshake is the first message sent by each side of a connection.
type Handshake struct {
	Extensions ExtensionBits
	InfoHash   [20]byte
	PeerID     [20]byte
}

// MarshalBinary returns the 68-byte wire form of the handshake.
func (h Handshake) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, HandshakeLength)
	b = append(b, pstr[:]...)
	b = append(b, h.Extensions[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerID[:]...)
	return b, nil
}

// UnmarshalBinary parses the 68-byte wire form of the handshake.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) != HandshakeLength {
		return Errorf("handshake length %d", len(b))
	}
	if string(b[:20]) != string(pstr[:]) {
		return ErrInvalidProtocol
	}
	copy(h.Extensions[:], b[20:28])
	copy(h.InfoHash[:], b[28:48])
	copy(h.PeerID[:], b[48:68])
	return nil
}

// ErrInvalidProtocol is returned when the protocol string in the handshake is not "BitTorrent protocol".
var ErrInvalidProtocol = &ProtocolError{Reason: "invalid protocol string in handshake"}

// ReadHandshakeHeader reads the protocol string, reserved bytes and the info hash.
// It is separate from ReadPeerID so that the receiver of a connection can
// check the info hash before sending its own handshake.
func ReadHandshakeHeader(r io.Reader) (ext ExtensionBits, infoHash [20]byte, err error) {
	var p [20]byte
	if _, err = io.ReadFull(r, p[:]); err != nil {
		return
	}
	if p != pstr {
		err = ErrInvalidProtocol
		return
	}
	if _, err = io.ReadFull(r, ext[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, infoHash[:])
	return
}

// ReadPeerID reads the last part of the handshake.
func ReadPeerID(r io.Reader) (id [20]byte, err error) {
	_, err = io.ReadFull(r, id[:])
	return
}
