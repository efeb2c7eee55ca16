// Package bufferpool keeps fixed size byte slices for reuse.
package bufferpool

import "sync"

// Pool of Buffers with the same capacity.
type Pool struct {
	buflen int
	pool   sync.Pool
}

// New returns a new Pool for Buffers of size buflen.
func New(buflen int) *Pool {
	p := &Pool{buflen: buflen}
	p.pool.New = func() interface{} {
		b := make([]byte, buflen)
		return &b
	}
	return p
}

// BufLen is the capacity of buffers in the pool.
func (p *Pool) BufLen() int { return p.buflen }

// Get a new Buffer from the pool. datalen must not exceed buffer length given in constructor.
// You should release the Buffer after your work is done by calling Buffer.Release.
func (p *Pool) Get(datalen int) Buffer {
	if datalen > p.buflen {
		panic("bufferpool: requested length exceeds buffer size")
	}
	buf := p.pool.Get().(*[]byte)
	return Buffer{Data: (*buf)[:datalen], buf: buf, pool: p}
}

// Buffer is a slice with a pointer to Pool.
type Buffer struct {
	Data []byte
	buf  *[]byte
	pool *Pool
}

// CopyAt copies src into the buffer at offset.
// It returns false if src does not fit.
func (b Buffer) CopyAt(offset uint32, src []byte) bool {
	if uint64(offset)+uint64(len(src)) > uint64(len(b.Data)) {
		return false
	}
	copy(b.Data[offset:], src)
	return true
}

// Release the Buffer and return it to the Pool.
// Zero Buffer is ignored.
func (b Buffer) Release() {
	if b.pool == nil {
		return
	}
	// argument to Put should be pointer-like to avoid allocations
	b.pool.pool.Put(b.buf)
}
