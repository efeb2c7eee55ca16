package peerwriter

import (
	"fmt"

	"github.com/pieceflow/pieceflow/internal/peerprotocol"
)

// PieceSource returns the data of a verified piece.
type PieceSource interface {
	ReadPiece(index uint32) ([]byte, error)
}

// Piece is a queued upload. The data is read from Source when the message is written.
type Piece struct {
	Source PieceSource
	peerprotocol.RequestMessage
}

// ID returns the peer protocol message type.
func (p Piece) ID() peerprotocol.MessageID { return peerprotocol.Piece }

// MarshalBinary reads the requested range of the piece and returns the message payload.
func (p Piece) MarshalBinary() ([]byte, error) {
	data, err := p.Source.ReadPiece(p.Index)
	if err != nil {
		return nil, err
	}
	end := uint64(p.Begin) + uint64(p.Length)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("block out of range: piece=%d begin=%d length=%d", p.Index, p.Begin, p.Length)
	}
	return peerprotocol.PieceMessage{Index: p.Index, Begin: p.Begin, Data: data[p.Begin:end]}.MarshalBinary()
}
