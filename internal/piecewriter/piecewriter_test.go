package piecewriter

import (
	"bytes"
	"context"
	"crypto/sha1" // nolint: gosec
	"errors"
	"testing"
	"time"

	"github.com/pieceflow/pieceflow/internal/bufferpool"
	"github.com/pieceflow/pieceflow/internal/piece"
	"github.com/pieceflow/pieceflow/internal/semaphore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) WriteBlock(index, begin uint32, data []byte) error {
	args := m.Called(index, begin, data)
	return args.Error(0)
}

var errDisk = errors.New("disk error")

func newWriter(t *testing.T, corrupt bool) *PieceWriter {
	data := bytes.Repeat([]byte{9}, piece.BlockSize+100)
	pieces, err := piece.NewPieces(uint32(len(data)), int64(len(data)), [][sha1.Size]byte{sha1.Sum(data)}) // nolint: gosec
	require.NoError(t, err)
	buf := bufferpool.New(len(data)).Get(len(data))
	copy(buf.Data, data)
	if corrupt {
		buf.Data[5]++
	}
	return New(&pieces[0], buf)
}

func run(w *PieceWriter, s Storage, o Options) *PieceWriter {
	resultC := make(chan *PieceWriter, 1)
	w.Run(context.Background(), s, o, semaphore.New(1), resultC)
	return <-resultC
}

func TestWrite(t *testing.T) {
	s := new(mockStorage)
	s.On("WriteBlock", uint32(0), uint32(0), mock.Anything).Return(nil).Once()
	s.On("WriteBlock", uint32(0), uint32(piece.BlockSize), mock.Anything).Return(nil).Once()

	w := run(newWriter(t, false), s, Options{Retries: 3})
	assert.True(t, w.HashOK)
	assert.NoError(t, w.Error)
	s.AssertExpectations(t)
}

func TestHashMismatch(t *testing.T) {
	s := new(mockStorage)
	w := run(newWriter(t, true), s, Options{Retries: 3})
	assert.False(t, w.HashOK)
	var ierr *IntegrityError
	assert.ErrorAs(t, w.Error, &ierr)
	s.AssertNotCalled(t, "WriteBlock", mock.Anything, mock.Anything, mock.Anything)
}

func TestRetry(t *testing.T) {
	s := new(mockStorage)
	s.On("WriteBlock", uint32(0), uint32(0), mock.Anything).Return(nil).Once()
	s.On("WriteBlock", uint32(0), uint32(piece.BlockSize), mock.Anything).Return(errDisk).Twice()
	s.On("WriteBlock", uint32(0), uint32(piece.BlockSize), mock.Anything).Return(nil).Once()

	w := run(newWriter(t, false), s, Options{Retries: 3, RetryInterval: time.Millisecond})
	assert.NoError(t, w.Error)
	// the first block is not written again
	s.AssertNumberOfCalls(t, "WriteBlock", 4)
	s.AssertExpectations(t)
}

func TestRetryLimit(t *testing.T) {
	s := new(mockStorage)
	s.On("WriteBlock", uint32(0), uint32(0), mock.Anything).Return(errDisk)

	w := run(newWriter(t, false), s, Options{Retries: 2, RetryInterval: time.Millisecond})
	var serr *StorageError
	require.ErrorAs(t, w.Error, &serr)
	assert.Equal(t, 3, serr.Attempts)
	assert.True(t, errors.Is(w.Error, errDisk))
	s.AssertNumberOfCalls(t, "WriteBlock", 3)
}

func TestCancelled(t *testing.T) {
	sem := semaphore.New(1)
	sem.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resultC := make(chan *PieceWriter, 1)
	newWriter(t, false).Run(ctx, new(mockStorage), Options{}, sem, resultC)
	assert.Len(t, resultC, 0)
}

func TestCancelledWithFreeSlot(t *testing.T) {
	sem := semaphore.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resultC := make(chan *PieceWriter, 1)
	sto := new(mockStorage)
	newWriter(t, false).Run(ctx, sto, Options{}, sem, resultC)
	assert.Len(t, resultC, 0)
	assert.Zero(t, sem.Len())
	sto.AssertNotCalled(t, "WriteBlock")
}
