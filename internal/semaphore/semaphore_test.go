package semaphore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphore(t *testing.T) {
	s := New(2)
	s.Wait()
	assert.True(t, s.WaitC(nil))
	assert.Equal(t, 2, s.Len())

	cancelC := make(chan struct{})
	close(cancelC)
	assert.False(t, s.WaitC(cancelC))

	s.Signal()
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.WaitC(make(chan struct{})))
}

func TestWaitCPrefersFreeSlot(t *testing.T) {
	s := New(1)
	cancelC := make(chan struct{})
	close(cancelC)
	for i := 0; i < 100; i++ {
		require.True(t, s.WaitC(cancelC))
		require.False(t, s.WaitC(cancelC))
		s.Signal()
	}
}
