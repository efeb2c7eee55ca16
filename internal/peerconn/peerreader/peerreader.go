package peerreader

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"io/ioutil"
	"net"
	"time"

	"github.com/pieceflow/pieceflow/internal/bufferpool"
	"github.com/pieceflow/pieceflow/internal/logger"
	"github.com/pieceflow/pieceflow/internal/peerprotocol"
	"github.com/pieceflow/pieceflow/internal/piece"
)

const (
	// length + msgid + requestmsg
	readBufferSize = 4 + 1 + 12
)

var blockPool = bufferpool.New(piece.BlockSize)

// Limiter delays reads and writes to keep the transfer rate under a limit.
// *ratelimit.Bucket implements this interface.
type Limiter interface {
	Take(count int64) time.Duration
}

// PeerReader reads messages from a peer connection and sends them to the Messages channel.
type PeerReader struct {
	conn         net.Conn
	r            io.Reader
	log          logger.Logger
	readTimeout  time.Duration
	pieceTimeout time.Duration
	maxLength    uint32
	limiter      Limiter
	messages     chan interface{}
	err          error
	stopC        chan struct{}
	doneC        chan struct{}
}

// New returns a reader for conn. Messages longer than maxLength are rejected.
// Limiter may be nil.
func New(conn net.Conn, l logger.Logger, readTimeout, pieceTimeout time.Duration, maxLength uint32, limiter Limiter) *PeerReader {
	return &PeerReader{
		conn:         conn,
		r:            bufio.NewReaderSize(conn, readBufferSize),
		log:          l,
		readTimeout:  readTimeout,
		pieceTimeout: pieceTimeout,
		maxLength:    maxLength,
		limiter:      limiter,
		messages:     make(chan interface{}),
		stopC:        make(chan struct{}),
		doneC:        make(chan struct{}),
	}
}

// Messages returns the channel of received messages.
// Values are peerprotocol.Message, Piece, KeepAlive or Discarded.
func (p *PeerReader) Messages() <-chan interface{} {
	return p.messages
}

// Stop the reader.
func (p *PeerReader) Stop() {
	close(p.stopC)
}

// Done is closed when Run returns.
func (p *PeerReader) Done() chan struct{} {
	return p.doneC
}

// Err returns the error that stopped the reader. Must be called after Done is closed.
func (p *PeerReader) Err() error {
	return p.err
}

// Run reads messages until an error occurs or Stop is called.
func (p *PeerReader) Run() {
	defer close(p.doneC)
	p.err = p.run()
	if p.err == errStopped {
		p.err = nil
	}
	if p.err == nil || p.err == io.EOF {
		return
	}
	select {
	case <-p.stopC: // don't log error if peer is stopped
	default:
		p.log.Debugln("read error:", p.err)
	}
}

func (p *PeerReader) run() error {
	first := true
	for {
		err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
		if err != nil {
			return err
		}

		var length uint32
		err = binary.Read(p.r, binary.BigEndian, &length)
		if err != nil {
			return err
		}

		if length == 0 {
			if err = p.send(KeepAlive{}); err != nil {
				return err
			}
			continue
		}
		if length > p.maxLength {
			return peerprotocol.Errorf("message length %d exceeds limit %d", length, p.maxLength)
		}

		var id peerprotocol.MessageID
		err = binary.Read(p.r, binary.BigEndian, &id)
		if err != nil {
			return err
		}
		length--

		var msg interface{}
		switch {
		case id == peerprotocol.Piece:
			msg, err = p.readPiece(length)
		case id.Known():
			buf := make([]byte, length)
			if _, err = io.ReadFull(p.r, buf); err != nil {
				return err
			}
			msg, err = peerprotocol.Decode(id, buf)
		default:
			p.log.Debugf("discarding %d bytes of unknown message type: %s", length, id)
			if _, err = io.CopyN(ioutil.Discard, p.r, int64(length)); err != nil {
				return err
			}
			msg = Discarded{ID: id, Length: length}
		}
		if err != nil {
			return err
		}
		if id == peerprotocol.Bitfield && !first {
			return peerprotocol.Errorf("bitfield can only be sent after handshake")
		}
		// Only message types defined in BEP 3 are counted.
		if id < 9 {
			first = false
		}
		if err = p.send(msg); err != nil {
			if pi, ok := msg.(Piece); ok {
				pi.Buffer.Release()
			}
			return err
		}
	}
}

func (p *PeerReader) send(msg interface{}) error {
	select {
	case p.messages <- msg:
		return nil
	case <-p.stopC:
		return errStopped
	}
}

func (p *PeerReader) readPiece(length uint32) (msg Piece, err error) {
	if length <= 8 {
		return msg, peerprotocol.Errorf("piece message with %d bytes of payload", length)
	}
	var hdr [8]byte
	if _, err = io.ReadFull(p.r, hdr[:]); err != nil {
		return
	}
	length -= 8
	if length > piece.BlockSize {
		return msg, peerprotocol.Errorf("received a piece with block size larger than allowed (%d > %d)", length, piece.BlockSize)
	}
	msg.Index = binary.BigEndian.Uint32(hdr[0:4])
	msg.Begin = binary.BigEndian.Uint32(hdr[4:8])
	msg.Buffer, err = p.readBlock(length)
	return
}

func (p *PeerReader) readBlock(length uint32) (buf bufferpool.Buffer, err error) {
	buf = blockPool.Get(int(length))
	defer func() {
		if err != nil {
			buf.Release()
		}
	}()

	if p.limiter != nil {
		d := p.limiter.Take(int64(length))
		if d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-p.stopC:
				t.Stop()
				err = errStopped
				return
			}
		}
	}

	var n, m int
	for {
		err = p.conn.SetReadDeadline(time.Now().Add(p.pieceTimeout))
		if err != nil {
			return
		}
		n, err = io.ReadFull(p.r, buf.Data[m:])
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				// Peer didn't send the full block in allowed time.
				if n > 0 {
					// Some bytes received, peer appears to be slow, keep receiving the rest.
					m += n
					continue
				}
			}
			return
		}
		// Received full block.
		return
	}
}

var errStopped = errors.New("peer reader stopped")
