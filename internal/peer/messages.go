package peer

import (
	"github.com/pieceflow/pieceflow/internal/bitfield"
	"github.com/pieceflow/pieceflow/internal/bufferpool"
	"github.com/pieceflow/pieceflow/internal/peerprotocol"
)

// Message is sent from a Session to the coordinator.
type Message struct {
	*Session
	Message interface{}
}

// Connected is sent when the session becomes Ready.
type Connected struct {
	PeerID     [20]byte
	Extensions peerprotocol.ExtensionBits
	// Bitfield sent to the peer. Nil if no bitfield is sent.
	Bitfield *bitfield.Bitfield
}

// BitfieldReceived carries the validated bitfield of the peer.
type BitfieldReceived struct {
	Bitfield *bitfield.Bitfield
}

// HaveReceived is sent when the peer announces a new piece.
type HaveReceived struct {
	Index uint32
}

// Choked is sent when the peer chokes us.
type Choked struct{}

// Unchoked is sent when the peer unchokes us.
type Unchoked struct{}

// Interested is sent when the peer becomes interested in us.
type Interested struct{}

// NotInterested is sent when the peer is not interested in us anymore.
type NotInterested struct{}

// BlockReceived carries the data of a requested block.
// Receiver must release the buffer.
type BlockReceived struct {
	Index, Begin uint32
	Buffer       bufferpool.Buffer
}

// Length of the block.
func (b BlockReceived) Length() uint32 { return uint32(len(b.Buffer.Data)) }

// BlockDiscarded is sent when a piece message does not match an outstanding request.
type BlockDiscarded struct {
	Index, Begin, Length uint32
}

// RequestsReleased lists requests that are not outstanding anymore
// without receiving the data.
// Reason is ErrPipelineFull, ErrChoked or a *TimeoutError.
type RequestsReleased struct {
	Requests []peerprotocol.RequestMessage
	Reason   error
}

// BlockUploaded is sent after a block is written to the peer.
type BlockUploaded struct {
	Length uint32
}

// Disconnected is the last message sent by a session.
// Err is nil if the session is closed by Close.
type Disconnected struct {
	Err error
}
