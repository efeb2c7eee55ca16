// Package peerconn combines a peer reader and a peer writer on a connection.
package peerconn

import (
	"net"
	"time"

	"github.com/pieceflow/pieceflow/internal/logger"
	"github.com/pieceflow/pieceflow/internal/peerconn/peerreader"
	"github.com/pieceflow/pieceflow/internal/peerconn/peerwriter"
	"github.com/pieceflow/pieceflow/internal/peerprotocol"
)

// Limiter is the rate-limit hook of reader and writer.
type Limiter = peerreader.Limiter

// Options for a Conn.
type Options struct {
	// Connection is closed if nothing is read in this duration.
	ReadTimeout time.Duration
	// Max duration without progress while reading a piece block.
	PieceTimeout time.Duration
	// Largest acceptable message length.
	MaxMessageLength uint32
	// Max number of piece messages waiting in the write queue.
	MaxQueuedPieces int
	// Optional rate limiters.
	DownloadLimiter Limiter
	UploadLimiter   Limiter
}

// Conn is a peer connection that provides a channel for receiving messages and methods for sending messages.
type Conn struct {
	conn     net.Conn
	reader   *peerreader.PeerReader
	writer   *peerwriter.PeerWriter
	messages chan interface{}
	err      error
	log      logger.Logger
	closeC   chan struct{}
	doneC    chan struct{}
}

// New returns a new Conn by wrapping a net.Conn.
func New(conn net.Conn, l logger.Logger, o Options) *Conn {
	return &Conn{
		conn:     conn,
		reader:   peerreader.New(conn, l, o.ReadTimeout, o.PieceTimeout, o.MaxMessageLength, o.DownloadLimiter),
		writer:   peerwriter.New(conn, l, o.MaxQueuedPieces, o.UploadLimiter),
		messages: make(chan interface{}),
		log:      l,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// String returns the remote address as string.
func (p *Conn) String() string {
	return p.conn.RemoteAddr().String()
}

// Close stops receiving and sending messages and closes underlying net.Conn.
func (p *Conn) Close() {
	close(p.closeC)
	<-p.doneC
}

// Done is closed after Run returns.
func (p *Conn) Done() <-chan struct{} {
	return p.doneC
}

// Err returns the error that ended the connection. Must be called after Done is closed.
func (p *Conn) Err() error {
	return p.err
}

// Messages received from the peer will be sent to the channel returned.
// The channel and underlying net.Conn will be closed if any error occurs while receiving or sending.
func (p *Conn) Messages() <-chan interface{} {
	return p.messages
}

// SendMessage queues a message for sending. Does not block.
func (p *Conn) SendMessage(msg peerprotocol.Message) {
	p.writer.SendMessage(msg)
}

// SendKeepAlive queues a keep-alive message.
func (p *Conn) SendKeepAlive() {
	p.writer.SendKeepAlive()
}

// SendPiece queues a piece message for sending.
// Piece data is read just before the message is sent.
func (p *Conn) SendPiece(msg peerprotocol.RequestMessage, src peerwriter.PieceSource) {
	p.writer.SendPiece(msg, src)
}

// CancelRequest removes previously queued piece message matching msg.
func (p *Conn) CancelRequest(msg peerprotocol.CancelMessage) {
	p.writer.CancelRequest(msg)
}

// LastWrite returns the time of the last message written to the peer.
func (p *Conn) LastWrite() time.Time {
	return p.writer.LastWrite()
}

// Run starts receiving messages from peer and starts sending queued messages.
// If any error happens during receiving or sending messages,
// the connection and the underlying net.Conn will be closed.
func (p *Conn) Run() {
	defer close(p.doneC)
	defer close(p.messages)

	p.log.Debugln("communicating peer", p.conn.RemoteAddr())

	go p.reader.Run()
	defer func() { <-p.reader.Done() }()

	go p.writer.Run()
	defer func() { <-p.writer.Done() }()

	defer p.conn.Close()
	for {
		select {
		case msg := <-p.reader.Messages():
			select {
			case p.messages <- msg:
			case <-p.closeC:
			}
		case msg := <-p.writer.Messages():
			select {
			case p.messages <- msg:
			case <-p.closeC:
			}
		case <-p.closeC:
			p.reader.Stop()
			p.writer.Stop()
			return
		case <-p.reader.Done():
			p.err = p.reader.Err()
			p.writer.Stop()
			return
		case <-p.writer.Done():
			p.err = p.writer.Err()
			p.reader.Stop()
			return
		}
	}
}
