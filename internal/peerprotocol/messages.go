package peerprotocol

import (
	"encoding"
	"encoding/binary"
)

// MaxBlockSize is the largest block a peer may request or send.
const MaxBlockSize = 16 * 1024

// Message is a Peer message of BitTorrent protocol.
// MarshalBinary returns the payload that follows the message id.
type Message interface {
	encoding.BinaryMarshaler
	ID() MessageID
}

type emptyMessage struct{}

func (m emptyMessage) MarshalBinary() ([]byte, error) { return nil, nil }

// ChokeMessage is sent to peer that it should not request pieces.
type ChokeMessage struct{ emptyMessage }

// UnchokeMessage is sent to peer that it can request pieces.
type UnchokeMessage struct{ emptyMessage }

// InterestedMessage is sent to peer that we want to request pieces if it unchokes us.
type InterestedMessage struct{ emptyMessage }

// NotInterestedMessage is sent to peer that we don't want any piece from it.
type NotInterestedMessage struct{ emptyMessage }

// ID returns the peer protocol message type.
func (m ChokeMessage) ID() MessageID { return Choke }

// ID returns the peer protocol message type.
func (m UnchokeMessage) ID() MessageID { return Unchoke }

// ID returns the peer protocol message type.
func (m InterestedMessage) ID() MessageID { return Interested }

// ID returns the peer protocol message type.
func (m NotInterestedMessage) ID() MessageID { return NotInterested }

// HaveMessage indicates a peer has the piece with index.
type HaveMessage struct {
	Index uint32
}

// ID returns the peer protocol message type.
func (m HaveMessage) ID() MessageID { return Have }

// MarshalBinary returns the piece index.
func (m HaveMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b, nil
}

// BitfieldMessage is sent right after the handshake to tell which pieces the peer has.
type BitfieldMessage struct {
	Data []byte
}

// ID returns the peer protocol message type.
func (m BitfieldMessage) ID() MessageID { return Bitfield }

// MarshalBinary returns the bitmap.
func (m BitfieldMessage) MarshalBinary() ([]byte, error) { return m.Data, nil }

// RequestMessage is sent when a peer needs a block of a piece.
type RequestMessage struct {
	Index, Begin, Length uint32
}

// ID returns the peer protocol message type.
func (m RequestMessage) ID() MessageID { return Request }

// MarshalBinary returns index, begin and length.
func (m RequestMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b, nil
}

// CancelMessage is sent to peer to cancel a previously sent request.
type CancelMessage struct{ RequestMessage }

// ID returns the peer protocol message type.
func (m CancelMessage) ID() MessageID { return Cancel }

// PieceMessage carries the data of a block.
type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

// ID returns the peer protocol message type.
func (m PieceMessage) ID() MessageID { return Piece }

// MarshalBinary returns index, begin and the block data.
func (m PieceMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8+len(m.Data))
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	copy(b[8:], m.Data)
	return b, nil
}

// Length returns the length of the block.
func (m PieceMessage) Length() uint32 { return uint32(len(m.Data)) }

// ExtensionMessage is a BEP 10 message. The payload is kept as raw bytes.
type ExtensionMessage struct {
	ExtendedID uint8
	Payload    []byte
}

// ID returns the peer protocol message type.
func (m ExtensionMessage) ID() MessageID { return Extension }

// MarshalBinary returns the extended id followed by the payload.
func (m ExtensionMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 1+len(m.Payload))
	b[0] = m.ExtendedID
	copy(b[1:], m.Payload)
	return b, nil
}
