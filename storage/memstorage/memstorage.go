// Package memstorage keeps torrent data in memory.
package memstorage

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned for reads and writes outside of the torrent data.
var ErrOutOfRange = errors.New("out of range")

// Storage is an in-memory torrent.Storage.
type Storage struct {
	pieceLength uint32

	mu   sync.RWMutex
	data []byte
}

// New returns an empty Storage for totalLength bytes.
func New(pieceLength uint32, totalLength int64) *Storage {
	return &Storage{
		pieceLength: pieceLength,
		data:        make([]byte, totalLength),
	}
}

// NewFromData returns a Storage that serves data. The slice is copied.
func NewFromData(pieceLength uint32, data []byte) *Storage {
	s := New(pieceLength, int64(len(data)))
	copy(s.data, data)
	return s
}

func (s *Storage) pieceRange(index uint32) (int64, int64, error) {
	begin := int64(index) * int64(s.pieceLength)
	if begin >= int64(len(s.data)) {
		return 0, 0, fmt.Errorf("piece %d: %w", index, ErrOutOfRange)
	}
	end := begin + int64(s.pieceLength)
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	return begin, end, nil
}

// WriteBlock copies data into piece index at offset begin.
func (s *Storage) WriteBlock(index, begin uint32, data []byte) error {
	start, end, err := s.pieceRange(index)
	if err != nil {
		return err
	}
	off := start + int64(begin)
	if off+int64(len(data)) > end {
		return fmt.Errorf("block piece=%d begin=%d length=%d: %w", index, begin, len(data), ErrOutOfRange)
	}
	s.mu.Lock()
	copy(s.data[off:], data)
	s.mu.Unlock()
	return nil
}

// ReadPiece returns a copy of the piece data.
func (s *Storage) ReadPiece(index uint32) ([]byte, error) {
	start, end, err := s.pieceRange(index)
	if err != nil {
		return nil, err
	}
	b := make([]byte, end-start)
	s.mu.RLock()
	copy(b, s.data[start:end])
	s.mu.RUnlock()
	return b, nil
}

// Bytes returns a copy of all data.
func (s *Storage) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := make([]byte, len(s.data))
	copy(b, s.data)
	return b
}
