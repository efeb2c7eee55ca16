package piecewriter

import "fmt"

// IntegrityError is returned when the data of a piece does not match its hash.
type IntegrityError struct {
	Index uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("piece %d failed hash check", e.Index)
}

// StorageError is returned when a verified piece cannot be written.
type StorageError struct {
	Index    uint32
	Attempts int
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cannot write piece %d after %d attempts: %s", e.Index, e.Attempts, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
