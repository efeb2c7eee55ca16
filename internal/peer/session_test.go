package peer

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"net"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pieceflow/pieceflow/internal/bitfield"
	"github.com/pieceflow/pieceflow/internal/btconn"
	"github.com/pieceflow/pieceflow/internal/peerprotocol"
	"github.com/pieceflow/pieceflow/internal/piece"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	startMeterArbiter()
	os.Exit(m.Run())
}

// startMeterArbiter starts the goroutine that ticks every meter and waits until it is blocked.
// The goroutine lives until the process exits, so it must exist before any leak check.
func startMeterArbiter() {
	metrics.NewMeter().Stop()
	buf := make([]byte, 1<<20)
	for i := 0; i < 100; i++ {
		n := runtime.Stack(buf, true)
		for _, g := range strings.Split(string(buf[:n]), "\n\n") {
			if strings.Contains(g, "meterArbiter).tick") && !strings.Contains(g, "[runnable]") && !strings.Contains(g, "[running]") {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

const pieceLength = 2 * piece.BlockSize

var (
	infoHash = [20]byte{'i', 'n', 'f', 'o'}
	localID  = [20]byte{'l', 'o', 'c', 'a', 'l'}
	remoteID = [20]byte{'r', 'e', 'm', 'o', 't', 'e'}
)

type testStorage map[uint32][]byte

func (s testStorage) ReadPiece(index uint32) ([]byte, error) {
	return s[index], nil
}

func testConfig() *Config {
	return &Config{
		PipelineDepth:     4,
		RequestTimeout:    time.Minute,
		KeepAliveInterval: time.Minute,
		IdleTimeout:       time.Minute,
		HandshakeTimeout:  5 * time.Second,
		DialTimeout:       5 * time.Second,
		PieceReadTimeout:  5 * time.Second,
		MaxQueuedPieces:   10,
		ClientVersion:     "test",
	}
}

// newTorrent returns a torrent with 3 pieces. Pieces in have are complete and readable.
func newTorrent(t *testing.T, have ...uint32) *Torrent {
	data := make(testStorage)
	hashes := make([][sha1.Size]byte, 3)
	for i := range hashes {
		b := bytes.Repeat([]byte{byte(i + 1)}, pieceLength)
		hashes[i] = sha1.Sum(b) // nolint: gosec
		data[uint32(i)] = b
	}
	pieces, err := piece.NewPieces(pieceLength, 3*pieceLength, hashes)
	require.NoError(t, err)
	bf := bitfield.New(3)
	for _, i := range have {
		bf.Set(i)
	}
	return &Torrent{
		InfoHash: infoHash,
		PeerID:   localID,
		Pieces:   pieces,
		Bitfield: func() *bitfield.Bitfield { return bf },
		Storage:  data,
	}
}

type harness struct {
	t        *testing.T
	session  *Session
	remote   net.Conn
	messages chan Message
	closeC   chan struct{}
}

// start runs an outgoing session against a listener that plays the remote peer.
func start(t *testing.T, cfg *Config, tor *Torrent, ext peerprotocol.ExtensionBits) *harness {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer l.Close()

	h := &harness{
		t:        t,
		messages: make(chan Message, 100),
		closeC:   make(chan struct{}),
	}
	h.session = NewOutgoing(l.Addr().(*net.TCPAddr), tor, cfg, h.messages, h.closeC)
	go h.session.Run()

	h.remote, err = l.Accept()
	require.NoError(t, err)
	res, err := btconn.Incoming(h.remote, 5*time.Second, peerprotocol.Handshake{Extensions: ext, InfoHash: infoHash, PeerID: remoteID})
	require.NoError(t, err)
	assert.Equal(t, localID, res.PeerID)
	assert.True(t, res.Extensions.ExtensionProtocol())
	return h
}

func (h *harness) stop() {
	h.session.Close()
	<-h.session.Done()
	h.remote.Close()
	close(h.closeC)
}

func (h *harness) next() interface{} {
	h.t.Helper()
	select {
	case msg := <-h.messages:
		assert.Equal(h.t, h.session, msg.Session)
		return msg.Message
	case <-time.After(5 * time.Second):
		h.t.Fatal("timeout waiting for session message")
	}
	return nil
}

func (h *harness) send(msg peerprotocol.Message) {
	h.t.Helper()
	_, err := peerprotocol.WriteMessage(h.remote, msg)
	require.NoError(h.t, err)
}

// read returns the next message from the session. Keep-alives are returned as nil.
func (h *harness) read() peerprotocol.Message {
	h.t.Helper()
	require.NoError(h.t, h.remote.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := peerprotocol.ReadMessage(h.remote, 1<<20)
	require.NoError(h.t, err)
	return msg
}

// readID skips messages until one with the id is read.
func (h *harness) readID(id peerprotocol.MessageID) peerprotocol.Message {
	h.t.Helper()
	for {
		msg := h.read()
		if msg != nil && msg.ID() == id {
			return msg
		}
	}
}

func (h *harness) connected() Connected {
	h.t.Helper()
	c, ok := h.next().(Connected)
	require.True(h.t, ok)
	require.Equal(h.t, Ready, h.session.State())
	return c
}

func TestConnectAndClose(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t), peerprotocol.ExtensionBits{})
	c := h.connected()
	assert.Equal(t, remoteID, c.PeerID)
	assert.Equal(t, remoteID, h.session.PeerID())
	assert.Nil(t, c.Bitfield)

	h.session.Close()
	d, ok := h.next().(Disconnected)
	require.True(t, ok)
	assert.NoError(t, d.Err)
	assert.Equal(t, Closed, h.session.State())
	h.stop()
}

func TestBitfieldSentOnConnect(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t, 0, 2), peerprotocol.ExtensionBits{})
	defer h.stop()
	c := h.connected()
	require.NotNil(t, c.Bitfield)
	assert.Equal(t, uint32(2), c.Bitfield.Count())

	bm := h.readID(peerprotocol.Bitfield).(peerprotocol.BitfieldMessage)
	assert.Equal(t, []byte{0xa0}, bm.Data)
}

func TestExtensionHandshake(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t), peerprotocol.NewExtensionBits(true))
	defer h.stop()
	c := h.connected()
	assert.True(t, c.Extensions.ExtensionProtocol())

	em := h.readID(peerprotocol.Extension).(peerprotocol.ExtensionMessage)
	hs, err := peerprotocol.ParseExtensionHandshake(em.Payload)
	require.NoError(t, err)
	assert.Equal(t, 10, hs.RequestQueue)

	msg, err := peerprotocol.NewExtensionHandshake("remote", 2)
	require.NoError(t, err)
	h.send(msg)
	h.send(peerprotocol.UnchokeMessage{})
	assert.IsType(t, Unchoked{}, h.next())
	assert.Equal(t, 2, h.session.PipelineDepth())
}

func TestInvalidInfoHash(t *testing.T) {
	defer leaktest.Check(t)()
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer l.Close()

	errC := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			errC <- err
			return
		}
		defer conn.Close()
		_, err = btconn.Outgoing(conn, 5*time.Second, peerprotocol.Handshake{InfoHash: [20]byte{'x'}, PeerID: remoteID})
		errC <- err
	}()
	conn, err := l.Accept()
	require.NoError(t, err)

	messages := make(chan Message, 1)
	closeC := make(chan struct{})
	defer close(closeC)
	s := NewIncoming(conn, newTorrent(t), testConfig(), messages, closeC)
	go s.Run()

	msg := <-messages
	d, ok := msg.Message.(Disconnected)
	require.True(t, ok)
	var perr *peerprotocol.ProtocolError
	assert.ErrorAs(t, d.Err, &perr)
	assert.Equal(t, Closed, s.State())
	assert.Error(t, <-errC)
}

func TestUnmatchedPieceIsDiscarded(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.send(peerprotocol.PieceMessage{Index: 1, Begin: 0, Data: make([]byte, 100)})
	d, ok := h.next().(BlockDiscarded)
	require.True(t, ok)
	assert.Equal(t, BlockDiscarded{Index: 1, Begin: 0, Length: 100}, d)
	assert.Equal(t, Ready, h.session.State())

	// session is still usable
	h.send(peerprotocol.HaveMessage{Index: 2})
	assert.Equal(t, HaveReceived{Index: 2}, h.next())
}

func TestBitfieldAfterHave(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.send(peerprotocol.HaveMessage{Index: 0})
	assert.Equal(t, HaveReceived{Index: 0}, h.next())
	h.send(peerprotocol.BitfieldMessage{Data: []byte{0xe0}})
	d, ok := h.next().(Disconnected)
	require.True(t, ok)
	var perr *peerprotocol.ProtocolError
	assert.ErrorAs(t, d.Err, &perr)
}

func TestInvalidBitfield(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	// spare bit set for a 3 piece torrent
	h.send(peerprotocol.BitfieldMessage{Data: []byte{0xf0}})
	d, ok := h.next().(Disconnected)
	require.True(t, ok)
	var perr *peerprotocol.ProtocolError
	assert.ErrorAs(t, d.Err, &perr)
}

func TestHaveOutOfRange(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.send(peerprotocol.HaveMessage{Index: 3})
	d, ok := h.next().(Disconnected)
	require.True(t, ok)
	var perr *peerprotocol.ProtocolError
	assert.ErrorAs(t, d.Err, &perr)
}

func TestBitfieldReceived(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.send(peerprotocol.BitfieldMessage{Data: []byte{0x60}})
	b, ok := h.next().(BitfieldReceived)
	require.True(t, ok)
	assert.False(t, b.Bitfield.Test(0))
	assert.True(t, b.Bitfield.Test(1))
	assert.True(t, b.Bitfield.Test(2))
}

func TestRequestAndReceive(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.send(peerprotocol.UnchokeMessage{})
	assert.IsType(t, Unchoked{}, h.next())

	h.session.Interested()
	h.readID(peerprotocol.Interested)
	h.session.Request(1, piece.BlockSize, piece.BlockSize)
	req := h.readID(peerprotocol.Request).(peerprotocol.RequestMessage)
	assert.Equal(t, peerprotocol.RequestMessage{Index: 1, Begin: piece.BlockSize, Length: piece.BlockSize}, req)

	data := bytes.Repeat([]byte{7}, piece.BlockSize)
	h.send(peerprotocol.PieceMessage{Index: 1, Begin: piece.BlockSize, Data: data})
	b, ok := h.next().(BlockReceived)
	require.True(t, ok)
	assert.Equal(t, uint32(1), b.Index)
	assert.Equal(t, uint32(piece.BlockSize), b.Begin)
	assert.Equal(t, data, b.Buffer.Data)
	b.Buffer.Release()

	// same block again is not outstanding anymore
	h.send(peerprotocol.PieceMessage{Index: 1, Begin: piece.BlockSize, Data: data})
	assert.IsType(t, BlockDiscarded{}, h.next())
}

func TestRequestWhileChoked(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.session.Request(0, 0, piece.BlockSize)
	r, ok := h.next().(RequestsReleased)
	require.True(t, ok)
	assert.Equal(t, ErrChoked, r.Reason)
	assert.Equal(t, []peerprotocol.RequestMessage{{Index: 0, Begin: 0, Length: piece.BlockSize}}, r.Requests)
}

func TestChokeReleasesRequests(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.send(peerprotocol.UnchokeMessage{})
	assert.IsType(t, Unchoked{}, h.next())
	h.session.Request(0, 0, piece.BlockSize)
	h.session.Request(0, piece.BlockSize, piece.BlockSize)
	h.readID(peerprotocol.Request)
	h.readID(peerprotocol.Request)

	h.send(peerprotocol.ChokeMessage{})
	assert.IsType(t, Choked{}, h.next())
	r, ok := h.next().(RequestsReleased)
	require.True(t, ok)
	assert.Equal(t, ErrChoked, r.Reason)
	assert.Len(t, r.Requests, 2)
}

func TestPipelineFull(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := testConfig()
	cfg.PipelineDepth = 1
	h := start(t, cfg, newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.send(peerprotocol.UnchokeMessage{})
	assert.IsType(t, Unchoked{}, h.next())
	h.session.Request(0, 0, piece.BlockSize)
	h.session.Request(0, piece.BlockSize, piece.BlockSize)
	r, ok := h.next().(RequestsReleased)
	require.True(t, ok)
	assert.Equal(t, ErrPipelineFull, r.Reason)
	assert.Equal(t, []peerprotocol.RequestMessage{{Index: 0, Begin: piece.BlockSize, Length: piece.BlockSize}}, r.Requests)
}

func TestRequestTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := testConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	h := start(t, cfg, newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.send(peerprotocol.UnchokeMessage{})
	assert.IsType(t, Unchoked{}, h.next())
	h.session.Request(2, 0, piece.BlockSize)
	req := h.readID(peerprotocol.Request).(peerprotocol.RequestMessage)

	r, ok := h.next().(RequestsReleased)
	require.True(t, ok)
	var terr *TimeoutError
	require.ErrorAs(t, r.Reason, &terr)
	assert.Equal(t, "request", terr.Op)
	assert.Equal(t, []peerprotocol.RequestMessage{req}, r.Requests)

	cm := h.readID(peerprotocol.Cancel).(peerprotocol.CancelMessage)
	assert.Equal(t, req, cm.RequestMessage)
	assert.Equal(t, Ready, h.session.State())
}

func TestKeepAlive(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := testConfig()
	cfg.KeepAliveInterval = 100 * time.Millisecond
	h := start(t, cfg, newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	for {
		if msg := h.read(); msg == nil {
			break
		}
	}
	assert.Equal(t, Ready, h.session.State())
}

func TestIdleTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := testConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	h := start(t, cfg, newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	d, ok := h.next().(Disconnected)
	require.True(t, ok)
	var terr *TimeoutError
	require.ErrorAs(t, d.Err, &terr)
	assert.Equal(t, "idle", terr.Op)
}

func TestServeRequest(t *testing.T) {
	defer leaktest.Check(t)()
	tor := newTorrent(t, 1)
	h := start(t, testConfig(), tor, peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()
	h.readID(peerprotocol.Bitfield)

	h.session.Unchoke()
	h.readID(peerprotocol.Unchoke)
	h.send(peerprotocol.InterestedMessage{})
	assert.IsType(t, Interested{}, h.next())

	h.send(peerprotocol.RequestMessage{Index: 1, Begin: 10, Length: 20})
	pm := h.readID(peerprotocol.Piece).(peerprotocol.PieceMessage)
	assert.Equal(t, uint32(1), pm.Index)
	assert.Equal(t, uint32(10), pm.Begin)
	assert.Equal(t, bytes.Repeat([]byte{2}, 20), pm.Data)
	assert.Equal(t, BlockUploaded{Length: 20}, h.next())
}

func TestRequestForMissingPiece(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t, 1), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.send(peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 20})
	d, ok := h.next().(Disconnected)
	require.True(t, ok)
	var perr *peerprotocol.ProtocolError
	assert.ErrorAs(t, d.Err, &perr)
}

func TestRequestOutOfBounds(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t, 0), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.send(peerprotocol.RequestMessage{Index: 0, Begin: pieceLength - 10, Length: 20})
	d, ok := h.next().(Disconnected)
	require.True(t, ok)
	var perr *peerprotocol.ProtocolError
	assert.ErrorAs(t, d.Err, &perr)
}

func TestRemoteClose(t *testing.T) {
	defer leaktest.Check(t)()
	h := start(t, testConfig(), newTorrent(t), peerprotocol.ExtensionBits{})
	defer h.stop()
	h.connected()

	h.remote.Close()
	d, ok := h.next().(Disconnected)
	require.True(t, ok)
	assert.Error(t, d.Err)
	assert.Equal(t, Closed, h.session.State())
}

func TestStateTransitions(t *testing.T) {
	valid := map[State][]State{
		Connecting:  {Handshaking, Closing},
		Handshaking: {Ready, Closing},
		Ready:       {Closing},
		Closing:     {Closed},
		Closed:      nil,
	}
	all := []State{Connecting, Handshaking, Ready, Closing, Closed}
	for from, tos := range valid {
		for _, to := range all {
			expected := false
			for _, v := range tos {
				if v == to {
					expected = true
				}
			}
			assert.Equal(t, expected, from.canTransition(to), "%s -> %s", from, to)
		}
	}
	assert.Panics(t, func() { State(42).canTransition(Closed) })
}
