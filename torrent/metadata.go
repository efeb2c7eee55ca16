package torrent

import (
	"errors"
	"fmt"

	"github.com/pieceflow/pieceflow/internal/piece"
)

var (
	errZeroPieces      = errors.New("torrent has no pieces")
	errZeroPieceLength = errors.New("piece length is zero")
)

// Metadata is the piece layout of a torrent, parsed from its metainfo by the caller.
type Metadata struct {
	InfoHash    [20]byte
	NumPieces   uint32
	PieceLength uint32
	TotalLength int64
	// SHA-1 digest of each piece.
	PieceHashes [][20]byte
}

// Validate checks that the fields describe a consistent layout.
func (m *Metadata) Validate() error {
	if m.NumPieces == 0 {
		return errZeroPieces
	}
	if m.PieceLength == 0 {
		return errZeroPieceLength
	}
	if n := piece.NumPieces(m.PieceLength, m.TotalLength); n != int64(m.NumPieces) {
		return fmt.Errorf("total length %d needs %d pieces, got %d", m.TotalLength, n, m.NumPieces)
	}
	if len(m.PieceHashes) != int(m.NumPieces) {
		return fmt.Errorf("got %d piece hashes for %d pieces", len(m.PieceHashes), m.NumPieces)
	}
	return nil
}

func (m *Metadata) pieces() ([]piece.Piece, error) {
	return piece.NewPieces(m.PieceLength, m.TotalLength, m.PieceHashes)
}
