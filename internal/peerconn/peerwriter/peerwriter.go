package peerwriter

import (
	"container/list"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/pieceflow/pieceflow/internal/logger"
	"github.com/pieceflow/pieceflow/internal/peerconn/peerreader"
	"github.com/pieceflow/pieceflow/internal/peerprotocol"
)

// keepAlive is queued by SendKeepAlive.
type keepAlive struct{}

// PeerWriter queues messages and writes them to the connection in order.
type PeerWriter struct {
	conn            net.Conn
	queueC          chan interface{}
	cancelC         chan peerprotocol.CancelMessage
	writeQueue      *list.List
	writeC          chan interface{}
	messages        chan interface{}
	maxQueuedPieces int
	queuedPieces    int
	limiter         peerreader.Limiter
	lastWrite       int64
	log             logger.Logger
	err             error
	stopC           chan struct{}
	doneC           chan struct{}
	writerDoneC     chan struct{}
}

// New returns a writer for conn. At most maxQueuedPieces piece messages are queued,
// requests above the limit are dropped. Limiter may be nil.
func New(conn net.Conn, l logger.Logger, maxQueuedPieces int, limiter peerreader.Limiter) *PeerWriter {
	return &PeerWriter{
		conn:            conn,
		queueC:          make(chan interface{}),
		cancelC:         make(chan peerprotocol.CancelMessage),
		writeQueue:      list.New(),
		writeC:          make(chan interface{}),
		messages:        make(chan interface{}),
		maxQueuedPieces: maxQueuedPieces,
		limiter:         limiter,
		lastWrite:       time.Now().UnixNano(),
		log:             l,
		stopC:           make(chan struct{}),
		doneC:           make(chan struct{}),
		writerDoneC:     make(chan struct{}),
	}
}

// Messages returns the channel of BlockUploaded events.
func (p *PeerWriter) Messages() <-chan interface{} {
	return p.messages
}

// SendMessage queues a message for sending.
func (p *PeerWriter) SendMessage(msg peerprotocol.Message) {
	p.queue(msg)
}

// SendKeepAlive queues a keep-alive message.
func (p *PeerWriter) SendKeepAlive() {
	p.queue(keepAlive{})
}

// SendPiece queues a piece message for sending.
// Piece data is read from src just before the message is sent.
func (p *PeerWriter) SendPiece(msg peerprotocol.RequestMessage, src PieceSource) {
	p.queue(Piece{Source: src, RequestMessage: msg})
}

func (p *PeerWriter) queue(msg interface{}) {
	select {
	case p.queueC <- msg:
	case <-p.doneC:
	}
}

// CancelRequest removes previously queued piece message matching msg.
func (p *PeerWriter) CancelRequest(msg peerprotocol.CancelMessage) {
	select {
	case p.cancelC <- msg:
	case <-p.doneC:
	}
}

// LastWrite returns the time of the last completed write.
func (p *PeerWriter) LastWrite() time.Time {
	return time.Unix(0, atomic.LoadInt64(&p.lastWrite))
}

// Stop the writer.
func (p *PeerWriter) Stop() {
	close(p.stopC)
}

// Done is closed when Run returns.
func (p *PeerWriter) Done() chan struct{} {
	return p.doneC
}

// Err returns the error that stopped the writer. Must be called after Done is closed.
func (p *PeerWriter) Err() error {
	return p.err
}

// Run processes the queue until Stop is called or a write fails.
func (p *PeerWriter) Run() {
	defer close(p.doneC)

	go p.messageWriter()
	defer func() { <-p.writerDoneC }()

	for {
		var (
			e      *list.Element
			msg    interface{}
			writeC chan interface{}
		)
		if p.writeQueue.Len() > 0 {
			e = p.writeQueue.Front()
			msg = e.Value
			writeC = p.writeC
		}
		select {
		case msg = <-p.queueC:
			p.queueMessage(msg)
		case writeC <- msg:
			p.writeQueue.Remove(e)
			if _, ok := msg.(Piece); ok {
				p.queuedPieces--
			}
		case cm := <-p.cancelC:
			p.cancelRequest(cm)
		case <-p.writerDoneC:
			return
		case <-p.stopC:
			return
		}
	}
}

func (p *PeerWriter) queueMessage(msg interface{}) {
	switch msg.(type) {
	case peerprotocol.ChokeMessage:
		p.cancelQueuedPieceMessages()
	case Piece:
		if p.queuedPieces >= p.maxQueuedPieces {
			p.log.Debugln("piece queue is full, dropping request")
			return
		}
		p.queuedPieces++
	}
	p.writeQueue.PushBack(msg)
}

func (p *PeerWriter) cancelQueuedPieceMessages() {
	var next *list.Element
	for e := p.writeQueue.Front(); e != nil; e = next {
		next = e.Next()
		if _, ok := e.Value.(Piece); ok {
			p.writeQueue.Remove(e)
			p.queuedPieces--
		}
	}
}

func (p *PeerWriter) cancelRequest(cm peerprotocol.CancelMessage) {
	for e := p.writeQueue.Front(); e != nil; e = e.Next() {
		if pi, ok := e.Value.(Piece); ok && pi.RequestMessage == cm.RequestMessage {
			p.writeQueue.Remove(e)
			p.queuedPieces--
			break
		}
	}
}

func (p *PeerWriter) messageWriter() {
	defer close(p.writerDoneC)
	defer p.conn.Close()

	// Disable write deadline that is previously set by handshaker.
	if err := p.conn.SetWriteDeadline(time.Time{}); err != nil {
		p.err = err
		return
	}

	for {
		select {
		case msg := <-p.writeC:
			if err := p.write(msg); err != nil {
				if err == errStoppedWhileWaiting {
					return
				}
				p.err = err
				if _, ok := err.(*net.OpError); ok {
					p.log.Debugln("cannot write message:", err)
				} else {
					p.log.Errorln("cannot write message:", err)
				}
				return
			}
		case <-p.stopC:
			return
		}
	}
}

func (p *PeerWriter) write(msg interface{}) error {
	var err error
	switch msg := msg.(type) {
	case keepAlive:
		err = peerprotocol.WriteKeepAlive(p.conn)
	case Piece:
		if err = p.wait(msg.Length); err != nil {
			return err
		}
		_, err = peerprotocol.WriteMessage(p.conn, msg)
		if err == nil {
			p.countUploadBytes(msg.Length)
		}
	case peerprotocol.Message:
		_, err = peerprotocol.WriteMessage(p.conn, msg)
	}
	if err == nil {
		atomic.StoreInt64(&p.lastWrite, time.Now().UnixNano())
	}
	return err
}

func (p *PeerWriter) wait(length uint32) error {
	if p.limiter == nil {
		return nil
	}
	d := p.limiter.Take(int64(length))
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-p.stopC:
		return errStoppedWhileWaiting
	}
}

func (p *PeerWriter) countUploadBytes(n uint32) {
	select {
	case p.messages <- BlockUploaded{Length: n}:
	case <-p.stopC:
	}
}

var errStoppedWhileWaiting = errors.New("peer writer stopped while waiting for limiter")
