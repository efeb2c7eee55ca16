package peerreader

import (
	"github.com/pieceflow/pieceflow/internal/bufferpool"
	"github.com/pieceflow/pieceflow/internal/peerprotocol"
)

// Piece message that is read from peers.
// Data of the piece is wrapped with a bufferpool.Buffer object.
// Receiver must release the buffer when done.
type Piece struct {
	Index, Begin uint32
	Buffer       bufferpool.Buffer
}

// Length of the block.
func (p Piece) Length() uint32 { return uint32(len(p.Buffer.Data)) }

// Message converts the piece into a plain protocol message.
func (p Piece) Message() peerprotocol.PieceMessage {
	return peerprotocol.PieceMessage{Index: p.Index, Begin: p.Begin, Data: p.Buffer.Data}
}

// KeepAlive is emitted when a keep-alive message is read.
type KeepAlive struct{}

// Discarded is emitted when a message with an unknown id is skipped.
type Discarded struct {
	ID     peerprotocol.MessageID
	Length uint32
}
