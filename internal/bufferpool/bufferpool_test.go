package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer(t *testing.T) {
	p := New(8)
	assert.Equal(t, 8, p.BufLen())
	b := p.Get(4)
	assert.Len(t, b.Data, 4)
	assert.True(t, b.CopyAt(1, []byte{1, 2, 3}))
	assert.Equal(t, []byte{0, 1, 2, 3}, b.Data)
	assert.False(t, b.CopyAt(2, []byte{1, 2, 3}))
	b.Release()

	assert.Panics(t, func() { p.Get(9) })
	Buffer{}.Release()
}
