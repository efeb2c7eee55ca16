package torrent

import (
	"crypto/sha1" // nolint: gosec
	"math/rand"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pieceflow/pieceflow/internal/bitfield"
	"github.com/pieceflow/pieceflow/storage/memstorage"
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

const (
	testPieceLength = 32 * 1024
	testTimeout     = 10 * time.Second
)

// newTestData returns random data with a short last piece and its metadata.
func newTestData(t *testing.T, numPieces int) ([]byte, Metadata) {
	data := make([]byte, (numPieces-1)*testPieceLength+12345)
	rand.New(rand.NewSource(1)).Read(data) // nolint: gosec
	m := Metadata{
		InfoHash:    [20]byte{'t', 'e', 's', 't'},
		NumPieces:   uint32(numPieces),
		PieceLength: testPieceLength,
		TotalLength: int64(len(data)),
	}
	for i := 0; i < numPieces; i++ {
		end := (i + 1) * testPieceLength
		if end > len(data) {
			end = len(data)
		}
		m.PieceHashes = append(m.PieceHashes, sha1.Sum(data[i*testPieceLength:end])) // nolint: gosec
	}
	require.NoError(t, m.Validate())
	return data, m
}

func testConfig() *Config {
	c := DefaultConfig
	c.ListenAddr = "127.0.0.1:0"
	c.RandomSeed = 42
	c.StorageRetryInterval = time.Millisecond
	return &c
}

type memResumer struct {
	mu       sync.Mutex
	bitfield []byte
	stats    ResumeStats
}

func (r *memResumer) ReadBitfield() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bitfield, nil
}

func (r *memResumer) WriteBitfield(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bitfield = append([]byte(nil), b...)
	return nil
}

func (r *memResumer) ReadStats() (ResumeStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats, nil
}

func (r *memResumer) WriteStats(s ResumeStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = s
	return nil
}

// fullResumer claims that every piece is complete.
func fullResumer(numPieces uint32) *memResumer {
	bf := bitfield.New(numPieces)
	for i := uint32(0); i < numPieces; i++ {
		bf.Set(i)
	}
	return &memResumer{bitfield: bf.Bytes()}
}

// collectEvents reads events until the channel is closed.
func collectEvents(tor *Torrent) func() []Event {
	var events []Event
	doneC := make(chan struct{})
	go func() {
		defer close(doneC)
		for e := range tor.Events() {
			events = append(events, e)
		}
	}()
	return func() []Event {
		<-doneC
		return events
	}
}

func newSeeder(t *testing.T, data []byte, m Metadata) *Torrent {
	cfg := testConfig()
	cfg.VerifyExisting = true
	seeder, err := New(m, memstorage.NewFromData(m.PieceLength, data), nil, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, seeder.Start())
	return seeder
}

func waitComplete(t *testing.T, tor *Torrent) {
	select {
	case <-tor.NotifyComplete():
	case <-time.After(testTimeout):
		t.Fatal("download is not completed")
	}
}

func TestDownload(t *testing.T) {
	defer leaktest.CheckTimeout(t, testTimeout)()
	data, m := newTestData(t, 6)

	seeder := newSeeder(t, data, m)
	defer seeder.Close()
	waitComplete(t, seeder)

	sto := memstorage.New(m.PieceLength, m.TotalLength)
	leecher, err := New(m, sto, nil, nil, testConfig())
	require.NoError(t, err)
	events := collectEvents(leecher)
	require.NoError(t, leecher.Start())
	leecher.AddPeers([]*net.TCPAddr{seeder.Addr()})
	waitComplete(t, leecher)

	assert.Equal(t, data, sto.Bytes())
	stats := leecher.Stats()
	assert.Equal(t, "seeding", stats.Status)
	assert.Equal(t, uint32(6), stats.Pieces.Have)
	assert.Equal(t, m.TotalLength, stats.Bytes.Completed)
	assert.Zero(t, stats.Bytes.Incomplete)
	assert.True(t, stats.Bytes.Downloaded >= m.TotalLength)
	assert.Zero(t, stats.BadPieces)

	assert.NoError(t, leecher.Close())
	completed := make(map[uint32]int)
	var numCompleted int
	var last Event
	for _, e := range events() {
		switch e.Type {
		case PieceCompleted:
			completed[e.Piece]++
		case Completed:
			numCompleted++
		case Progress:
			last = e
		}
	}
	assert.Len(t, completed, 6)
	for i, n := range completed {
		assert.Equal(t, 1, n, "piece %d", i)
	}
	assert.Equal(t, 1, numCompleted)
	assert.Equal(t, m.TotalLength, last.HaveBytes)
	assert.Equal(t, m.TotalLength, last.TotalBytes)
}

func TestSwarm(t *testing.T) {
	defer leaktest.CheckTimeout(t, testTimeout)()
	data, m := newTestData(t, 20)

	seeder := newSeeder(t, data, m)
	defer seeder.Close()
	waitComplete(t, seeder)

	var leechers []*Torrent
	var storages []*memstorage.Storage
	for i := 0; i < 3; i++ {
		cfg := testConfig()
		cfg.RandomSeed = int64(i + 1)
		sto := memstorage.New(m.PieceLength, m.TotalLength)
		l, err := New(m, sto, nil, nil, cfg)
		require.NoError(t, err)
		require.NoError(t, l.Start())
		defer l.Close()
		leechers = append(leechers, l)
		storages = append(storages, sto)
	}
	for i, l := range leechers {
		addrs := []*net.TCPAddr{seeder.Addr()}
		for j, other := range leechers {
			if i != j {
				addrs = append(addrs, other.Addr())
			}
		}
		l.AddPeers(addrs)
	}
	for i, l := range leechers {
		waitComplete(t, l)
		assert.Equal(t, data, storages[i].Bytes())
	}
}

func TestBadPiece(t *testing.T) {
	defer leaktest.CheckTimeout(t, testTimeout)()
	data, m := newTestData(t, 4)

	// Seeder claims that it has all pieces but the data of piece 2 is corrupt.
	corrupt := append([]byte(nil), data...)
	corrupt[2*testPieceLength+100]++
	seeder, err := New(m, memstorage.NewFromData(m.PieceLength, corrupt), nil, fullResumer(m.NumPieces), testConfig())
	require.NoError(t, err)
	require.NoError(t, seeder.Start())
	defer seeder.Close()

	sto := memstorage.New(m.PieceLength, m.TotalLength)
	leecher, err := New(m, sto, nil, nil, testConfig())
	require.NoError(t, err)
	defer leecher.Close()
	require.NoError(t, leecher.Start())
	leecher.AddPeers([]*net.TCPAddr{seeder.Addr()})

	timeout := time.After(testTimeout)
	completed := make(map[uint32]bool)
	var badPiece *Event
	for badPiece == nil || len(completed) < 3 {
		select {
		case e := <-leecher.Events():
			switch e.Type {
			case BadPiece:
				if badPiece == nil {
					badPiece = &e
				}
			case PieceCompleted:
				completed[e.Piece] = true
			}
		case <-timeout:
			t.Fatal("timeout")
		}
	}
	assert.Equal(t, uint32(2), badPiece.Piece)
	assert.False(t, completed[2])

	stats := leecher.Stats()
	assert.True(t, stats.BadPieces >= 1)
	assert.Equal(t, uint32(3), stats.Pieces.Have)
	select {
	case <-leecher.NotifyComplete():
		t.Fatal("download must not complete")
	default:
	}
}

func TestResume(t *testing.T) {
	defer leaktest.CheckTimeout(t, testTimeout)()
	data, m := newTestData(t, 3)

	seeder := newSeeder(t, data, m)
	defer seeder.Close()
	waitComplete(t, seeder)

	res := new(memResumer)
	sto := memstorage.New(m.PieceLength, m.TotalLength)
	leecher, err := New(m, sto, nil, res, testConfig())
	require.NoError(t, err)
	require.NoError(t, leecher.Start())
	leecher.AddPeers([]*net.TCPAddr{seeder.Addr()})
	waitComplete(t, leecher)
	require.NoError(t, leecher.Close())

	bf, err := bitfield.FromBytes(res.bitfield, m.NumPieces)
	require.NoError(t, err)
	assert.True(t, bf.All())
	assert.True(t, res.stats.BytesDownloaded >= m.TotalLength)

	leecher, err = New(m, sto, nil, res, testConfig())
	require.NoError(t, err)
	defer leecher.Close()
	select {
	case <-leecher.NotifyComplete():
	default:
		t.Fatal("resumed torrent must be complete")
	}
	stats := leecher.Stats()
	assert.Equal(t, "stopped", stats.Status)
	assert.Equal(t, res.stats.BytesDownloaded, stats.Bytes.Downloaded)
}

type failingStorage struct {
	*memstorage.Storage
	mu       sync.Mutex
	failures int
}

func (s *failingStorage) WriteBlock(index, begin uint32, data []byte) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return memstorage.ErrOutOfRange
	}
	s.mu.Unlock()
	return s.Storage.WriteBlock(index, begin, data)
}

func TestStorageError(t *testing.T) {
	defer leaktest.CheckTimeout(t, testTimeout)()
	data, m := newTestData(t, 2)

	seeder := newSeeder(t, data, m)
	defer seeder.Close()
	waitComplete(t, seeder)

	cfg := testConfig()
	cfg.StorageRetries = 1
	cfg.ParallelWrites = 1
	// First piece fails twice and gives up, then the writes succeed.
	sto := &failingStorage{Storage: memstorage.New(m.PieceLength, m.TotalLength), failures: 2}
	leecher, err := New(m, sto, nil, nil, cfg)
	require.NoError(t, err)
	events := collectEvents(leecher)
	require.NoError(t, leecher.Start())
	leecher.AddPeers([]*net.TCPAddr{seeder.Addr()})
	waitComplete(t, leecher)
	assert.Equal(t, data, sto.Bytes())
	assert.Equal(t, int64(1), leecher.Stats().StorageErrors)
	require.NoError(t, leecher.Close())

	var storageErrors []Event
	for _, e := range events() {
		if e.Type == StorageFailed {
			storageErrors = append(storageErrors, e)
		}
	}
	require.Len(t, storageErrors, 1)
	var serr *StorageError
	require.ErrorAs(t, storageErrors[0].Err, &serr)
	assert.Equal(t, 2, serr.Attempts)
}

func TestStartTwice(t *testing.T) {
	defer leaktest.Check(t)()
	_, m := newTestData(t, 1)
	tor, err := New(m, memstorage.New(m.PieceLength, m.TotalLength), nil, nil, testConfig())
	require.NoError(t, err)
	require.NoError(t, tor.Start())
	assert.NotNil(t, tor.Addr())
	assert.Equal(t, errStarted, tor.Start())
	assert.NoError(t, tor.Close())
	assert.Equal(t, errClosed, tor.Start())
	assert.Equal(t, Stats{}, tor.Stats())
	_, ok := <-tor.Events()
	assert.False(t, ok)
}

func TestInvalidMetadata(t *testing.T) {
	_, m := newTestData(t, 2)
	m.NumPieces = 0
	_, err := New(m, nil, nil, nil, nil)
	assert.Equal(t, errZeroPieces, err)

	_, m = newTestData(t, 2)
	m.PieceHashes = m.PieceHashes[:1]
	assert.Error(t, m.Validate())

	_, m = newTestData(t, 2)
	m.TotalLength = 10 * testPieceLength
	assert.Error(t, m.Validate())
}
