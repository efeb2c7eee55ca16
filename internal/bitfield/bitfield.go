// Package bitfield implements the piece bitmap exchanged in "bitfield" messages.
// Bit 0 is the most significant bit of the first byte.
package bitfield

import (
	"errors"
	"math/bits"
)

var (
	// ErrLength is returned when the byte count does not match the number of bits.
	ErrLength = errors.New("bitfield has invalid length")
	// ErrSpareBits is returned when the unused trailing bits of the last byte are set.
	ErrSpareBits = errors.New("bitfield has spare bits set")
)

// Bitfield is a fixed-length set of bits.
type Bitfield struct {
	b      []byte
	length uint32
}

// New returns a Bitfield of length bits, all cleared.
func New(length uint32) *Bitfield {
	return &Bitfield{b: make([]byte, numBytes(length)), length: length}
}

// FromBytes validates a bitmap received from a peer and returns a copy of it.
// The slice must be exactly ceil(length/8) bytes and trailing bits must be zero.
func FromBytes(b []byte, length uint32) (*Bitfield, error) {
	if uint32(len(b)) != numBytes(length) {
		return nil, ErrLength
	}
	if mod := length % 8; mod != 0 && b[len(b)-1]&(0xff>>mod) != 0 {
		return nil, ErrSpareBits
	}
	bf := New(length)
	copy(bf.b, b)
	return bf, nil
}

func numBytes(length uint32) uint32 { return (length + 7) / 8 }

// Bytes returns the underlying bytes. Modifying the slice modifies the Bitfield.
func (b *Bitfield) Bytes() []byte { return b.b }

// Len returns the number of bits.
func (b *Bitfield) Len() uint32 { return b.length }

// Copy returns a deep copy of b.
func (b *Bitfield) Copy() *Bitfield {
	c := New(b.length)
	copy(c.b, b.b)
	return c
}

// Set bit i. Panics if i >= b.Len().
func (b *Bitfield) Set(i uint32) {
	b.checkIndex(i)
	b.b[i/8] |= 0x80 >> (i % 8)
}

// Test reports whether bit i is set. Panics if i >= b.Len().
func (b *Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	return b.b[i/8]&(0x80>>(i%8)) != 0
}

// Count returns the number of set bits.
func (b *Bitfield) Count() uint32 {
	var n int
	for _, v := range b.b {
		n += bits.OnesCount8(v)
	}
	return uint32(n)
}

// All reports whether every bit is set.
func (b *Bitfield) All() bool { return b.Count() == b.length }

// AndNot returns the indexes that are set in b and not set in o.
func (b *Bitfield) AndNot(o *Bitfield) []uint32 {
	if o.length != b.length {
		panic("bitfield lengths differ")
	}
	var ret []uint32
	for i, v := range b.b {
		x := v &^ o.b[i]
		for x != 0 {
			lz := uint32(bits.LeadingZeros8(x))
			ret = append(ret, uint32(i)*8+lz)
			x &^= 0x80 >> lz
		}
	}
	return ret
}

func (b *Bitfield) checkIndex(i uint32) {
	if i >= b.length {
		panic("index out of bound")
	}
}
