// Package peer implements the session with a single remote peer.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pieceflow/pieceflow/internal/bitfield"
	"github.com/pieceflow/pieceflow/internal/btconn"
	"github.com/pieceflow/pieceflow/internal/logger"
	"github.com/pieceflow/pieceflow/internal/peerconn"
	"github.com/pieceflow/pieceflow/internal/peerconn/peerreader"
	"github.com/pieceflow/pieceflow/internal/peerconn/peerwriter"
	"github.com/pieceflow/pieceflow/internal/peerprotocol"
	"github.com/pieceflow/pieceflow/internal/piece"
	"github.com/pieceflow/pieceflow/internal/sessionid"
	"github.com/rcrowley/go-metrics"
)

// Source of the connection.
type Source int

const (
	// Outgoing session dials the peer.
	Outgoing Source = iota
	// Incoming session is created for an accepted connection.
	Incoming
)

// Config for sessions.
type Config struct {
	PipelineDepth     int
	RequestTimeout    time.Duration
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
	HandshakeTimeout  time.Duration
	DialTimeout       time.Duration
	PieceReadTimeout  time.Duration
	// Max number of requests from the peer queued for upload. Advertised as reqq.
	MaxQueuedPieces int
	ClientVersion   string
	DownloadLimiter peerconn.Limiter
	UploadLimiter   peerconn.Limiter
}

// Torrent is the information a session needs from its coordinator.
type Torrent struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Pieces   []piece.Piece
	// Bitfield returns the published snapshot of completed pieces. It must not be modified.
	Bitfield func() *bitfield.Bitfield
	// Storage serves piece data for uploads.
	Storage peerwriter.PieceSource
}

// Session is a connection to a remote peer.
// A session runs in its own goroutine and reports to the coordinator with Message values.
// Commands from the coordinator are queued and never block.
type Session struct {
	ID     sessionid.ID
	Addr   net.Addr
	Source Source

	conn     net.Conn
	config   *Config
	torrent  *Torrent
	messages chan<- Message
	// closed by the coordinator when it stops receiving messages
	coordinatorClosed <-chan struct{}

	state         int32
	pipelineDepth int32
	peerID        atomic.Value

	mailbox       *mailbox
	pipeline      *pipeline
	extensions    bool
	chokedBy      bool
	amChoking     bool
	lastRead      time.Time
	keepAliveSent time.Time
	downloadSpeed metrics.Meter
	uploadSpeed   metrics.Meter
	log           logger.Logger
	closeOnce     sync.Once
	closeC        chan struct{}
	doneC         chan struct{}
}

// NewOutgoing returns a session that dials addr when run.
func NewOutgoing(addr *net.TCPAddr, t *Torrent, cfg *Config, messages chan<- Message, coordinatorClosed <-chan struct{}) *Session {
	return newSession(nil, addr, Outgoing, t, cfg, messages, coordinatorClosed)
}

// NewIncoming returns a session for an accepted connection.
func NewIncoming(conn net.Conn, t *Torrent, cfg *Config, messages chan<- Message, coordinatorClosed <-chan struct{}) *Session {
	return newSession(conn, conn.RemoteAddr(), Incoming, t, cfg, messages, coordinatorClosed)
}

func newSession(conn net.Conn, addr net.Addr, source Source, t *Torrent, cfg *Config, messages chan<- Message, coordinatorClosed <-chan struct{}) *Session {
	arrow := "-> "
	if source == Incoming {
		arrow = "<- "
	}
	return &Session{
		ID:                sessionid.New(),
		Addr:              addr,
		Source:            source,
		conn:              conn,
		config:            cfg,
		torrent:           t,
		messages:          messages,
		coordinatorClosed: coordinatorClosed,
		state:             int32(Connecting),
		pipelineDepth:     int32(cfg.PipelineDepth),
		mailbox:           newMailbox(),
		pipeline:          newPipeline(),
		amChoking:         true,
		chokedBy:          true,
		downloadSpeed:     metrics.NewMeter(),
		uploadSpeed:       metrics.NewMeter(),
		log:               logger.New("peer " + arrow + addr.String()),
		closeC:            make(chan struct{}),
		doneC:             make(chan struct{}),
	}
}

func (s *Session) String() string {
	return s.Addr.String()
}

// State returns the current state of the session.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(to State) {
	from := s.State()
	if !from.canTransition(to) {
		panic(fmt.Sprintf("invalid session state transition: %s -> %s", from, to))
	}
	s.log.Debugf("state: %s -> %s", from, to)
	atomic.StoreInt32(&s.state, int32(to))
}

func (s *Session) closing() {
	if s.State() != Closing {
		s.setState(Closing)
	}
}

// PipelineDepth is the max number of outstanding requests.
// It may be lowered by the reqq value in the extension handshake of the peer.
func (s *Session) PipelineDepth() int {
	return int(atomic.LoadInt32(&s.pipelineDepth))
}

// PeerID returns the id sent by the peer in handshake. Valid after Connected.
func (s *Session) PeerID() [20]byte {
	id, _ := s.peerID.Load().([20]byte)
	return id
}

// DownloadSpeed in bytes per second.
func (s *Session) DownloadSpeed() int {
	return int(s.downloadSpeed.Rate1())
}

// UploadSpeed in bytes per second.
func (s *Session) UploadSpeed() int {
	return int(s.uploadSpeed.Rate1())
}

// Request block from the peer.
func (s *Session) Request(index, begin, length uint32) {
	s.mailbox.Post(requestCommand{index, begin, length})
}

// Cancel an outstanding request. No RequestsReleased is sent for it.
func (s *Session) Cancel(index, begin, length uint32) {
	s.mailbox.Post(cancelCommand{index, begin, length})
}

// Have announces a completed piece to the peer.
func (s *Session) Have(index uint32) { s.mailbox.Post(haveCommand{index}) }

// Choke the peer. Queued uploads are dropped.
func (s *Session) Choke() { s.mailbox.Post(chokeCommand{}) }

// Unchoke the peer.
func (s *Session) Unchoke() { s.mailbox.Post(unchokeCommand{}) }

// Interested tells the peer we want to download from it.
func (s *Session) Interested() { s.mailbox.Post(interestedCommand{}) }

// NotInterested tells the peer we don't need any piece from it.
func (s *Session) NotInterested() { s.mailbox.Post(notInterestedCommand{}) }

// Close the session. Does not block. Disconnected is sent after the connection is closed.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closeC) })
}

// Done is closed when the session goroutine exits.
func (s *Session) Done() <-chan struct{} {
	return s.doneC
}

func (s *Session) send(msg interface{}) {
	select {
	case s.messages <- Message{Session: s, Message: msg}:
	case <-s.coordinatorClosed:
	}
}

// Run the session until the connection fails or Close is called.
func (s *Session) Run() {
	defer close(s.doneC)
	defer s.downloadSpeed.Stop()
	defer s.uploadSpeed.Stop()

	err := s.run()
	select {
	case <-s.closeC:
		err = nil
	default:
	}
	if err != nil {
		s.log.Debugln("disconnected:", err)
	}
	s.setState(Closed)
	s.send(Disconnected{Err: err})
}

func (s *Session) run() error {
	conn, err := s.connect()
	if err != nil {
		s.closing()
		return err
	}
	defer conn.Close()
	defer s.closing()

	s.setState(Handshaking)
	res, err := s.handshake(conn)
	if err != nil {
		return err
	}
	s.peerID.Store(res.PeerID)

	s.setState(Ready)
	return s.serve(conn, res)
}

func (s *Session) connect() (net.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.closeC:
			cancel()
		case <-ctx.Done():
		}
	}()
	return btconn.Dial(ctx, s.Addr, s.config.DialTimeout)
}

func (s *Session) handshake(conn net.Conn) (btconn.Result, error) {
	doneC := make(chan struct{})
	defer close(doneC)
	go func() {
		select {
		case <-s.closeC:
			conn.Close()
		case <-doneC:
		}
	}()
	ours := peerprotocol.Handshake{
		Extensions: peerprotocol.NewExtensionBits(true),
		InfoHash:   s.torrent.InfoHash,
		PeerID:     s.torrent.PeerID,
	}
	if s.Source == Outgoing {
		return btconn.Outgoing(conn, s.config.HandshakeTimeout, ours)
	}
	return btconn.Incoming(conn, s.config.HandshakeTimeout, ours)
}

func (s *Session) serve(conn net.Conn, hs btconn.Result) error {
	pc := peerconn.New(conn, s.log, peerconn.Options{
		ReadTimeout:      2 * s.config.IdleTimeout,
		PieceTimeout:     s.config.PieceReadTimeout,
		MaxMessageLength: s.maxMessageLength(),
		MaxQueuedPieces:  s.config.MaxQueuedPieces,
		DownloadLimiter:  s.config.DownloadLimiter,
		UploadLimiter:    s.config.UploadLimiter,
	})
	go pc.Run()
	defer pc.Close()

	now := time.Now()
	s.lastRead = now

	var sent *bitfield.Bitfield
	if bf := s.torrent.Bitfield(); bf.Count() > 0 {
		pc.SendMessage(peerprotocol.BitfieldMessage{Data: bf.Bytes()})
		sent = bf
	}
	s.extensions = hs.Extensions.ExtensionProtocol()
	if s.extensions {
		msg, err := peerprotocol.NewExtensionHandshake(s.config.ClientVersion, s.config.MaxQueuedPieces)
		if err != nil {
			return err
		}
		pc.SendMessage(msg)
	}
	s.send(Connected{PeerID: hs.PeerID, Extensions: hs.Extensions, Bitfield: sent})

	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.mailbox.signalC:
			s.handleCommands(pc, s.mailbox.Take())
		case msg, ok := <-pc.Messages():
			if !ok {
				<-pc.Done()
				return readError(pc.Err())
			}
			s.lastRead = time.Now()
			if err := s.handleMessage(pc, msg); err != nil {
				return err
			}
		case now := <-ticker.C:
			if err := s.checkTimers(pc, now); err != nil {
				return err
			}
		case <-s.closeC:
			return nil
		}
	}
}

func readError(err error) error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return &TimeoutError{Op: "read"}
	}
	return err
}

func (s *Session) tickInterval() time.Duration {
	d := s.config.RequestTimeout
	if s.config.KeepAliveInterval < d {
		d = s.config.KeepAliveInterval
	}
	if s.config.IdleTimeout < d {
		d = s.config.IdleTimeout
	}
	d /= 4
	if d > time.Second {
		d = time.Second
	}
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	return d
}

// maxMessageLength allows a bitfield for every piece or a full block.
func (s *Session) maxMessageLength() uint32 {
	bf := uint32(len(s.torrent.Pieces)+7)/8 + 1
	block := uint32(1 + 8 + piece.BlockSize)
	if bf > block {
		return bf
	}
	return block
}

func (s *Session) handleCommands(pc *peerconn.Conn, cmds []interface{}) {
	var full, choked []peerprotocol.RequestMessage
	for _, cmd := range cmds {
		switch cmd := cmd.(type) {
		case requestCommand:
			req := peerprotocol.RequestMessage{Index: cmd.Index, Begin: cmd.Begin, Length: cmd.Length}
			switch {
			case s.chokedBy:
				choked = append(choked, req)
			case s.pipeline.Len() >= s.PipelineDepth():
				full = append(full, req)
			case s.pipeline.Has(req):
				s.log.Debugf("duplicate request for piece=%d begin=%d", req.Index, req.Begin)
			default:
				pc.SendMessage(req)
				s.pipeline.Push(req, time.Now())
			}
		case cancelCommand:
			req := peerprotocol.RequestMessage{Index: cmd.Index, Begin: cmd.Begin, Length: cmd.Length}
			if s.pipeline.Remove(req) {
				pc.SendMessage(peerprotocol.CancelMessage{RequestMessage: req})
			}
		case haveCommand:
			pc.SendMessage(peerprotocol.HaveMessage{Index: cmd.Index})
		case chokeCommand:
			if !s.amChoking {
				s.amChoking = true
				pc.SendMessage(peerprotocol.ChokeMessage{})
			}
		case unchokeCommand:
			if s.amChoking {
				s.amChoking = false
				pc.SendMessage(peerprotocol.UnchokeMessage{})
			}
		case interestedCommand:
			pc.SendMessage(peerprotocol.InterestedMessage{})
		case notInterestedCommand:
			pc.SendMessage(peerprotocol.NotInterestedMessage{})
		default:
			panic(fmt.Sprintf("unhandled command: %T", cmd))
		}
	}
	if len(choked) > 0 {
		s.send(RequestsReleased{Requests: choked, Reason: ErrChoked})
	}
	if len(full) > 0 {
		s.send(RequestsReleased{Requests: full, Reason: ErrPipelineFull})
	}
}

func (s *Session) handleMessage(pc *peerconn.Conn, msg interface{}) error {
	numPieces := uint32(len(s.torrent.Pieces))
	switch msg := msg.(type) {
	case peerreader.KeepAlive, peerreader.Discarded:
	case peerprotocol.ChokeMessage:
		s.chokedBy = true
		s.send(Choked{})
		if reqs := s.pipeline.Flush(); len(reqs) > 0 {
			s.send(RequestsReleased{Requests: reqs, Reason: ErrChoked})
		}
	case peerprotocol.UnchokeMessage:
		s.chokedBy = false
		s.send(Unchoked{})
	case peerprotocol.InterestedMessage:
		s.send(Interested{})
	case peerprotocol.NotInterestedMessage:
		s.send(NotInterested{})
	case peerprotocol.HaveMessage:
		if msg.Index >= numPieces {
			return peerprotocol.Errorf("have for invalid piece index: %d", msg.Index)
		}
		s.send(HaveReceived{Index: msg.Index})
	case peerprotocol.BitfieldMessage:
		bf, err := bitfield.FromBytes(msg.Data, numPieces)
		if err != nil {
			return peerprotocol.Errorf("invalid bitfield: %s", err)
		}
		s.send(BitfieldReceived{Bitfield: bf})
	case peerprotocol.RequestMessage:
		if err := s.validateRequest(msg); err != nil {
			return err
		}
		if !s.torrent.Bitfield().Test(msg.Index) {
			return peerprotocol.Errorf("request for piece we don't have: %d", msg.Index)
		}
		if s.amChoking {
			s.log.Debugf("ignoring request from choked peer: piece=%d begin=%d", msg.Index, msg.Begin)
			return nil
		}
		pc.SendPiece(msg, s.torrent.Storage)
	case peerprotocol.CancelMessage:
		if err := s.validateRequest(msg.RequestMessage); err != nil {
			return err
		}
		pc.CancelRequest(msg)
	case peerreader.Piece:
		req := peerprotocol.RequestMessage{Index: msg.Index, Begin: msg.Begin, Length: msg.Length()}
		if !s.pipeline.Remove(req) {
			msg.Buffer.Release()
			s.log.Debugf("discarding unrequested block: piece=%d begin=%d length=%d", req.Index, req.Begin, req.Length)
			s.send(BlockDiscarded{Index: req.Index, Begin: req.Begin, Length: req.Length})
			return nil
		}
		s.downloadSpeed.Mark(int64(req.Length))
		s.send(BlockReceived{Index: msg.Index, Begin: msg.Begin, Buffer: msg.Buffer})
	case peerprotocol.ExtensionMessage:
		return s.handleExtension(msg)
	case peerwriter.BlockUploaded:
		s.uploadSpeed.Mark(int64(msg.Length))
		s.send(BlockUploaded{Length: msg.Length})
	default:
		s.log.Debugf("unhandled message: %T", msg)
	}
	return nil
}

func (s *Session) validateRequest(r peerprotocol.RequestMessage) error {
	if r.Index >= uint32(len(s.torrent.Pieces)) {
		return peerprotocol.Errorf("invalid piece index in request: %d", r.Index)
	}
	if r.Length == 0 || r.Length > peerprotocol.MaxBlockSize {
		return peerprotocol.Errorf("invalid block length in request: %d", r.Length)
	}
	if !s.torrent.Pieces[r.Index].Contains(r.Begin, r.Length) {
		return peerprotocol.Errorf("request out of piece bounds: piece=%d begin=%d length=%d", r.Index, r.Begin, r.Length)
	}
	return nil
}

func (s *Session) handleExtension(msg peerprotocol.ExtensionMessage) error {
	if !s.extensions {
		s.log.Debugln("dropping extension message, extension protocol is not negotiated")
		return nil
	}
	if msg.ExtendedID != peerprotocol.ExtensionIDHandshake {
		s.log.Debugln("dropping unsupported extension message:", msg.ExtendedID)
		return nil
	}
	hs, err := peerprotocol.ParseExtensionHandshake(msg.Payload)
	if err != nil {
		return err
	}
	if hs.V != "" {
		s.log.Debugln("peer client:", hs.V)
	}
	if hs.RequestQueue > 0 && hs.RequestQueue < s.config.PipelineDepth {
		atomic.StoreInt32(&s.pipelineDepth, int32(hs.RequestQueue))
	}
	return nil
}

func (s *Session) checkTimers(pc *peerconn.Conn, now time.Time) error {
	readIdle := now.Sub(s.lastRead)
	if readIdle >= s.config.IdleTimeout {
		return &TimeoutError{Op: "idle"}
	}
	writeIdle := now.Sub(pc.LastWrite())
	ka := s.config.KeepAliveInterval
	if (readIdle >= ka || writeIdle >= ka) && now.Sub(s.keepAliveSent) >= ka {
		pc.SendKeepAlive()
		s.keepAliveSent = now
	}
	expired := s.pipeline.Expired(now.Add(-s.config.RequestTimeout))
	if len(expired) > 0 {
		for _, r := range expired {
			pc.SendMessage(peerprotocol.CancelMessage{RequestMessage: r})
		}
		s.log.Debugf("%d requests timed out", len(expired))
		s.send(RequestsReleased{Requests: expired, Reason: &TimeoutError{Op: "request"}})
	}
	return nil
}
