// Package verifier finds the pieces that are already in storage.
package verifier

import (
	"github.com/pieceflow/pieceflow/internal/bitfield"
	"github.com/pieceflow/pieceflow/internal/piece"
)

// PieceReader returns the stored data of a piece.
type PieceReader interface {
	ReadPiece(index uint32) ([]byte, error)
}

// Verifier verifies the pieces in storage.
type Verifier struct {
	Bitfield *bitfield.Bitfield

	closeC chan struct{}
	doneC  chan struct{}
}

// Progress information about the verification.
type Progress struct {
	Checked uint32
	OK      uint32
}

// New returns a new Verifier.
func New() *Verifier {
	return &Verifier{
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Close the verifier.
func (v *Verifier) Close() {
	close(v.closeC)
	<-v.doneC
}

// Run and verify all pieces of the torrent.
// Pieces that cannot be read are treated as missing.
// progressC may be nil.
func (v *Verifier) Run(pieces []piece.Piece, r PieceReader, progressC chan<- Progress, resultC chan<- *Verifier) {
	defer close(v.doneC)

	v.Bitfield = bitfield.New(uint32(len(pieces)))
	var numOK uint32
	for i := range pieces {
		p := &pieces[i]
		data, err := r.ReadPiece(p.Index)
		if err == nil && p.VerifyHash(data) {
			v.Bitfield.Set(p.Index)
			numOK++
		}
		if progressC != nil {
			select {
			case progressC <- Progress{Checked: p.Index + 1, OK: numOK}:
			case <-v.closeC:
				return
			}
		}
		select {
		case <-v.closeC:
			return
		default:
		}
	}
	select {
	case resultC <- v:
	case <-v.closeC:
	}
}
