// Package piece describes the layout of a torrent: pieces and the blocks inside them.
package piece

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"fmt"
)

// BlockSize is the maximum length of a block requested from a peer.
const BlockSize = 16 * 1024

// Block is part of a Piece.
type Block struct {
	Index  uint32 // index in piece
	Begin  uint32 // offset in piece
	Length uint32
}

// Piece of a torrent.
type Piece struct {
	Index  uint32 // index in torrent
	Length uint32 // equal to piece length except the last piece
	Hash   [sha1.Size]byte
	Blocks []Block
}

// NewPieces returns the pieces of a torrent with the given geometry.
// hashes must contain one SHA-1 digest per piece.
func NewPieces(pieceLength uint32, totalLength int64, hashes [][sha1.Size]byte) ([]Piece, error) {
	if pieceLength == 0 {
		return nil, fmt.Errorf("invalid piece length: %d", pieceLength)
	}
	if totalLength <= 0 {
		return nil, fmt.Errorf("invalid total length: %d", totalLength)
	}
	numPieces := NumPieces(pieceLength, totalLength)
	if int64(len(hashes)) != numPieces {
		return nil, fmt.Errorf("piece count mismatch: %d hashes for %d pieces", len(hashes), numPieces)
	}
	pieces := make([]Piece, numPieces)
	for i := range pieces {
		length := pieceLength
		if i == len(pieces)-1 {
			if mod := uint32(totalLength % int64(pieceLength)); mod != 0 {
				length = mod
			}
		}
		pieces[i] = Piece{
			Index:  uint32(i),
			Length: length,
			Hash:   hashes[i],
			Blocks: newBlocks(length),
		}
	}
	return pieces, nil
}

// NumPieces returns the number of pieces for totalLength bytes.
func NumPieces(pieceLength uint32, totalLength int64) int64 {
	return (totalLength + int64(pieceLength) - 1) / int64(pieceLength)
}

// NumBlocks returns the number of blocks in a piece of given length.
func NumBlocks(pieceLength uint32) uint32 {
	return (pieceLength + BlockSize - 1) / BlockSize
}

func newBlocks(pieceLength uint32) []Block {
	blocks := make([]Block, NumBlocks(pieceLength))
	for i := range blocks {
		begin := uint32(i) * BlockSize
		length := uint32(BlockSize)
		if rest := pieceLength - begin; rest < length {
			length = rest
		}
		blocks[i] = Block{Index: uint32(i), Begin: begin, Length: length}
	}
	return blocks
}

// FindBlock returns the block starting at begin with the given length.
func (p *Piece) FindBlock(begin, length uint32) (*Block, bool) {
	if begin%BlockSize != 0 {
		return nil, false
	}
	i := begin / BlockSize
	if i >= uint32(len(p.Blocks)) {
		return nil, false
	}
	b := &p.Blocks[i]
	if b.Length != length {
		return nil, false
	}
	return b, true
}

// Contains reports whether the byte range lies inside the piece.
func (p *Piece) Contains(begin, length uint32) bool {
	return length > 0 && begin < p.Length && length <= p.Length-begin
}

// VerifyHash reports whether data matches the expected digest of the piece.
func (p *Piece) VerifyHash(data []byte) bool {
	if uint32(len(data)) != p.Length {
		return false
	}
	sum := sha1.Sum(data) // nolint: gosec
	return bytes.Equal(sum[:], p.Hash[:])
}
