// Package piecewriter verifies a downloaded piece and writes it to storage.
package piecewriter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/pieceflow/pieceflow/internal/bufferpool"
	"github.com/pieceflow/pieceflow/internal/piece"
	"github.com/pieceflow/pieceflow/internal/semaphore"
	"github.com/rcrowley/go-metrics"
)

// Storage receives the blocks of verified pieces.
type Storage interface {
	WriteBlock(index, begin uint32, data []byte) error
}

// Options for writing pieces.
type Options struct {
	// Number of retries after the first failed write.
	Retries int
	// First wait between retries. Later waits grow exponentially.
	RetryInterval time.Duration
	// Marked with the number of bytes written. May be nil.
	WriteBytes metrics.Meter
}

// PieceWriter checks the hash of the data in the buffer and writes it to storage.
type PieceWriter struct {
	Piece  *piece.Piece
	Buffer bufferpool.Buffer

	HashOK bool
	// Error is a *IntegrityError or a *StorageError.
	Error error
}

// New returns new PieceWriter for a given piece.
func New(p *piece.Piece, buf bufferpool.Buffer) *PieceWriter {
	return &PieceWriter{
		Piece:  p,
		Buffer: buf,
	}
}

// Run checks the hash, then writes the data in the buffer to the storage.
// At most one PieceWriter holding sem writes at a time per slot.
// The result is sent to resultC unless ctx is cancelled.
func (w *PieceWriter) Run(ctx context.Context, s Storage, o Options, sem *semaphore.Semaphore, resultC chan<- *PieceWriter) {
	if ctx.Err() != nil || !sem.WaitC(ctx.Done()) {
		return
	}
	w.run(ctx, s, o)
	sem.Signal()
	select {
	case resultC <- w:
	case <-ctx.Done():
	}
}

func (w *PieceWriter) run(ctx context.Context, s Storage, o Options) {
	w.HashOK = w.Piece.VerifyHash(w.Buffer.Data)
	if !w.HashOK {
		w.Error = &IntegrityError{Index: w.Piece.Index}
		return
	}
	var next, attempts int
	op := func() error {
		attempts++
		for ; next < len(w.Piece.Blocks); next++ {
			b := w.Piece.Blocks[next]
			if err := s.WriteBlock(w.Piece.Index, b.Begin, w.Buffer.Data[b.Begin:b.Begin+b.Length]); err != nil {
				return err
			}
		}
		return nil
	}
	err := backoff.Retry(op, newBackOff(ctx, o))
	if err != nil {
		w.Error = &StorageError{Index: w.Piece.Index, Attempts: attempts, Err: err}
		return
	}
	if o.WriteBytes != nil {
		o.WriteBytes.Mark(int64(len(w.Buffer.Data)))
	}
}

func newBackOff(ctx context.Context, o Options) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.RetryInterval
	eb.MaxElapsedTime = 0
	retries := o.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}
