package torrent

import (
	"errors"

	"github.com/pieceflow/pieceflow/internal/peer"
	"github.com/pieceflow/pieceflow/internal/peerprotocol"
	"github.com/pieceflow/pieceflow/internal/piecewriter"
)

type (
	// ProtocolError is a malformed or unexpected message from a peer. The session is closed.
	ProtocolError = peerprotocol.ProtocolError
	// TimeoutError is returned when a peer does not respond in time.
	TimeoutError = peer.TimeoutError
	// IntegrityError is returned when a downloaded piece does not match its hash.
	IntegrityError = piecewriter.IntegrityError
	// StorageError is returned when a piece cannot be written to storage after retries.
	StorageError = piecewriter.StorageError
)

var (
	errClosed        = errors.New("torrent is closed")
	errStarted       = errors.New("torrent is already started")
	errDuplicatePeer = errors.New("duplicate peer id")
)
