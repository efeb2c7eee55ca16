// Package torrent downloads the pieces of a torrent from peers and serves them to other peers.
package torrent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	mathrand "math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pieceflow/pieceflow/internal/acceptor"
	"github.com/pieceflow/pieceflow/internal/addrlist"
	"github.com/pieceflow/pieceflow/internal/bitfield"
	"github.com/pieceflow/pieceflow/internal/bufferpool"
	"github.com/pieceflow/pieceflow/internal/logger"
	"github.com/pieceflow/pieceflow/internal/peer"
	"github.com/pieceflow/pieceflow/internal/piece"
	"github.com/pieceflow/pieceflow/internal/piecemap"
	"github.com/pieceflow/pieceflow/internal/piecepicker"
	"github.com/pieceflow/pieceflow/internal/piecewriter"
	"github.com/pieceflow/pieceflow/internal/semaphore"
	"github.com/pieceflow/pieceflow/internal/sessionid"
	"github.com/pieceflow/pieceflow/internal/unchoker"
	"github.com/pieceflow/pieceflow/internal/verifier"
)

// Torrent connects to peers, downloads missing pieces and uploads completed ones.
// All state is owned by a single goroutine. Exported methods are safe for concurrent use.
type Torrent struct {
	config   Config
	metadata Metadata
	storage  Storage
	source   PeerSource
	resumer  Resumer
	peerID   [20]byte

	pieces   []piece.Piece
	pieceMap *piecemap.PieceMap
	picker   *piecepicker.PiecePicker
	unchoker *unchoker.Unchoker

	// Copy of the completed pieces published for sessions.
	snapshot atomic.Pointer[bitfield.Bitfield]

	// Shared by all sessions of this torrent.
	sessionTorrent *peer.Torrent
	sessionConfig  *peer.Config

	// Sessions that are not closed yet.
	sessions map[sessionid.ID]*peer.Session
	// Outgoing sessions that are not Ready yet.
	dialing map[sessionid.ID]struct{}
	// Addresses of outgoing sessions, to prevent dialing twice.
	sessionAddrs map[string]struct{}

	// Ready sessions, in connection order.
	peers     map[sessionid.ID]*peerState
	peerOrder []*peerState
	// Blocks duplicate connections to the same client.
	peerIDs map[[20]byte]sessionid.ID

	// Keeps a list of peer addresses to connect.
	addrList *addrlist.AddrList

	// Data of InProgress pieces, filled as blocks arrive.
	staging    map[uint32]bufferpool.Buffer
	bufferPool *bufferpool.Pool

	writeSem     *semaphore.Semaphore
	writeCtx     context.Context
	cancelWrites context.CancelFunc
	writers      sync.WaitGroup

	// Checks existing data in storage after start.
	verifier          *verifier.Verifier
	verifierProgressC chan verifier.Progress
	verifierResultC   chan *verifier.Verifier
	checkedPieces     uint32

	// Listens for incoming peer connections.
	acceptor *acceptor.Acceptor
	addr     atomic.Value

	started   bool
	completed bool
	// Loaded from Resumer and saved again on close.
	resumeStats ResumeStats

	// All messages coming from sessions are sent to this channel.
	messages chan peer.Message

	// Accepted connections are sent to this channel by acceptor.
	incomingConnC chan net.Conn

	// When a piece is verified and written, the writer is sent to this channel.
	writeResultC chan *piecewriter.PieceWriter

	// These are the channels for sending a message to run() loop.
	startCommandC chan startRequest   // Start()
	addPeersC     chan []*net.TCPAddr // AddPeers()
	statsCommandC chan statsRequest   // Stats()

	// This channel is closed once all pieces are downloaded and verified.
	completeC chan struct{}

	events  *eventQueue
	metrics *torrentMetrics

	// Error from saving resume stats on close.
	closeErr  error
	closeOnce sync.Once
	closeC    chan struct{}
	doneC     chan struct{}

	log logger.Logger
}

// New returns a new Torrent for the layout in m.
// The run loop starts immediately but no connection is made until Start is called.
// src and res may be nil. If cfg is nil, DefaultConfig is used.
func New(m Metadata, sto Storage, src PeerSource, res Resumer, cfg *Config) (*Torrent, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	pieces, err := m.pieces()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		c := DefaultConfig
		cfg = &c
	}
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	t := &Torrent{
		config:            *cfg,
		metadata:          m,
		storage:           sto,
		source:            src,
		resumer:           res,
		pieces:            pieces,
		pieceMap:          piecemap.New(pieces),
		picker:            piecepicker.New(m.NumPieces, cfg.EndgameThreshold, cfg.EndgameMaxDuplicates, seed),
		unchoker:          unchoker.New(cfg.UnchokedPeers, cfg.OptimisticUnchokedPeers, mathrand.New(mathrand.NewSource(seed))), // nolint: gosec
		sessions:          make(map[sessionid.ID]*peer.Session),
		dialing:           make(map[sessionid.ID]struct{}),
		sessionAddrs:      make(map[string]struct{}),
		peers:             make(map[sessionid.ID]*peerState),
		peerIDs:           make(map[[20]byte]sessionid.ID),
		addrList:          addrlist.New(cfg.MaxAddrs, clientAddr(cfg.ListenAddr)),
		staging:           make(map[uint32]bufferpool.Buffer),
		bufferPool:        bufferpool.New(int(m.PieceLength)),
		writeSem:          semaphore.New(cfg.ParallelWrites),
		verifierProgressC: make(chan verifier.Progress),
		verifierResultC:   make(chan *verifier.Verifier),
		messages:          make(chan peer.Message),
		incomingConnC:     make(chan net.Conn),
		writeResultC:      make(chan *piecewriter.PieceWriter),
		startCommandC:     make(chan startRequest),
		addPeersC:         make(chan []*net.TCPAddr),
		statsCommandC:     make(chan statsRequest),
		completeC:         make(chan struct{}),
		events:            newEventQueue(),
		metrics:           newMetrics(),
		closeC:            make(chan struct{}),
		doneC:             make(chan struct{}),
		log:               logger.New("torrent " + hex.EncodeToString(m.InfoHash[:4])),
	}
	t.writeCtx, t.cancelWrites = context.WithCancel(context.Background())
	copy(t.peerID[:], peerIDPrefix)
	if _, err = rand.Read(t.peerID[len(peerIDPrefix):]); err != nil {
		t.metrics.Close()
		return nil, err
	}
	if err = t.loadResumeData(); err != nil {
		t.metrics.Close()
		return nil, err
	}
	t.publishBitfield()
	t.sessionTorrent = &peer.Torrent{
		InfoHash: m.InfoHash,
		PeerID:   t.peerID,
		Pieces:   pieces,
		Bitfield: t.snapshot.Load,
		Storage:  sto,
	}
	t.sessionConfig = &peer.Config{
		PipelineDepth:     cfg.PipelineDepth,
		RequestTimeout:    cfg.RequestTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		IdleTimeout:       cfg.IdleTimeout,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		DialTimeout:       cfg.DialTimeout,
		PieceReadTimeout:  cfg.PieceReadTimeout,
		MaxQueuedPieces:   cfg.MaxQueuedPieces,
		ClientVersion:     cfg.ClientVersion,
	}
	if cfg.SpeedLimitDownload > 0 {
		t.sessionConfig.DownloadLimiter = newBucket(cfg.SpeedLimitDownload)
	}
	if cfg.SpeedLimitUpload > 0 {
		t.sessionConfig.UploadLimiter = newBucket(cfg.SpeedLimitUpload)
	}
	if t.pieceMap.Completed() {
		t.completed = true
		close(t.completeC)
	}
	go t.events.run()
	go t.run()
	return t, nil
}

// clientAddr is used for BEP 40 peer priority. The IP is unspecified unless it is set in listenAddr.
func clientAddr(listenAddr string) *net.TCPAddr {
	a, err := net.ResolveTCPAddr("tcp", listenAddr)
	if err != nil || listenAddr == "" {
		return &net.TCPAddr{IP: net.IPv4zero}
	}
	if a.IP == nil {
		a.IP = net.IPv4zero
	}
	return a
}

// newBucket returns a token bucket for a limit in KiB/s.
func newBucket(limit int64) *ratelimit.Bucket {
	rate := limit * 1024
	return ratelimit.NewBucketWithRate(float64(rate), rate)
}

// loadResumeData restores the completed pieces and the transfer stats saved by Resumer.
func (t *Torrent) loadResumeData() error {
	if t.resumer == nil {
		return nil
	}
	b, err := t.resumer.ReadBitfield()
	if err != nil {
		return err
	}
	if b != nil {
		bf, err := bitfield.FromBytes(b, t.metadata.NumPieces)
		if err != nil {
			return err
		}
		for i := uint32(0); i < bf.Len(); i++ {
			if bf.Test(i) {
				t.pieceMap.SetComplete(i)
			}
		}
		t.log.Infof("resuming with %d of %d pieces", bf.Count(), bf.Len())
	}
	t.resumeStats, err = t.resumer.ReadStats()
	return err
}

// needsVerification is true when there is no resume data to trust.
func (t *Torrent) needsVerification() bool {
	return t.config.VerifyExisting && t.pieceMap.CompletedPieces() == 0
}

func (t *Torrent) publishBitfield() {
	t.snapshot.Store(t.pieceMap.Bitfield())
}

type startRequest struct {
	listener net.Listener
	errC     chan error
}

// Start listening for incoming connections and connecting to peers.
func (t *Torrent) Start() error {
	var l net.Listener
	if t.config.ListenAddr != "" {
		var err error
		l, err = net.Listen("tcp", t.config.ListenAddr)
		if err != nil {
			return err
		}
	}
	req := startRequest{listener: l, errC: make(chan error, 1)}
	select {
	case t.startCommandC <- req:
	case <-t.closeC:
		if l != nil {
			l.Close()
		}
		return errClosed
	}
	return <-req.errC
}

// Close all connections and stop the torrent. Pieces that are being downloaded are abandoned.
// Returns the error from saving the transfer stats.
func (t *Torrent) Close() error {
	t.closeOnce.Do(func() { close(t.closeC) })
	<-t.doneC
	return t.closeErr
}

// AddPeers adds addresses to the list of peers to connect.
func (t *Torrent) AddPeers(addrs []*net.TCPAddr) {
	select {
	case t.addPeersC <- addrs:
	case <-t.closeC:
	}
}

// Events returns a channel that receives the events of the torrent in order.
// Events are queued until they are received. The channel is closed after Close.
func (t *Torrent) Events() <-chan Event {
	return t.events.outC
}

// NotifyComplete returns a channel that is closed when all pieces are complete.
func (t *Torrent) NotifyComplete() <-chan struct{} {
	return t.completeC
}

// Addr returns the listening address. Nil if the torrent is not listening.
func (t *Torrent) Addr() *net.TCPAddr {
	a, _ := t.addr.Load().(*net.TCPAddr)
	return a
}

// InfoHash of the torrent.
func (t *Torrent) InfoHash() [20]byte {
	return t.metadata.InfoHash
}

// PeerID is the id sent to peers in handshake.
func (t *Torrent) PeerID() [20]byte {
	return t.peerID
}
