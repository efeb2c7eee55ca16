package main

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/pieceflow/pieceflow/internal/jsonutil"
	"github.com/pieceflow/pieceflow/internal/resumer/boltdbresumer"
	"github.com/pieceflow/pieceflow/storage/memstorage"
	"github.com/pieceflow/pieceflow/torrent"
	"go.etcd.io/bbolt"
)

var (
	errTimeout       = errors.New("leechers did not complete in time")
	errVerifyTimeout = errors.New("seeders did not verify their data in time")
)

type options struct {
	NumPieces   int
	PieceLength uint32
	Seeders     int
	Leechers    int
	// Path of the bolt database for leecher resume data. Empty disables it.
	ResumeDB string
	Timeout  time.Duration
	Interval time.Duration
	Config   *torrent.Config
	Output   io.Writer
}

type node struct {
	*torrent.Torrent
	name    string
	storage *memstorage.Storage
}

type swarm struct {
	options  options
	metadata torrent.Metadata
	data     []byte
	seeders  []*node
	leechers []*node
	db       *bbolt.DB
}

// simulate starts the swarm, waits until every leecher has the data and prints the stats.
func simulate(o options) (err error) {
	if o.Seeders < 1 || o.Leechers < 1 {
		return errors.New("need at least one seeder and one leecher")
	}
	data, m := newTorrentData(o.NumPieces, o.PieceLength)
	s := &swarm{
		options:  o,
		metadata: m,
		data:     data,
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()
	fmt.Fprintf(o.Output, "torrent: %d pieces, %s\n", m.NumPieces, humanize.IBytes(uint64(m.TotalLength)))
	if err = s.start(); err != nil {
		return err
	}
	if err = s.wait(); err != nil {
		return err
	}
	return s.check()
}

// newTorrentData returns random data and its metadata. The last piece is shorter.
func newTorrentData(numPieces int, pieceLength uint32) ([]byte, torrent.Metadata) {
	length := int64(numPieces)*int64(pieceLength) - int64(pieceLength)/3
	data := make([]byte, length)
	rand.Read(data) // nolint: gosec
	m := torrent.Metadata{
		NumPieces:   uint32(numPieces),
		PieceLength: pieceLength,
		TotalLength: length,
	}
	hash := sha1.New() // nolint: gosec
	for begin := int64(0); begin < length; begin += int64(pieceLength) {
		end := begin + int64(pieceLength)
		if end > length {
			end = length
		}
		sum := sha1.Sum(data[begin:end]) // nolint: gosec
		m.PieceHashes = append(m.PieceHashes, sum)
		hash.Write(sum[:]) // nolint: errcheck
	}
	copy(m.InfoHash[:], hash.Sum(nil))
	return data, m
}

func (s *swarm) config() *torrent.Config {
	cfg := *s.options.Config
	cfg.ListenAddr = "127.0.0.1:0"
	return &cfg
}

func (s *swarm) start() error {
	for i := 0; i < s.options.Seeders; i++ {
		cfg := s.config()
		cfg.VerifyExisting = true
		sto := memstorage.NewFromData(s.metadata.PieceLength, s.data)
		t, err := torrent.New(s.metadata, sto, nil, nil, cfg)
		if err != nil {
			return err
		}
		n := &node{Torrent: t, name: fmt.Sprintf("seeder-%d", i), storage: sto}
		s.seeders = append(s.seeders, n)
		if err = t.Start(); err != nil {
			return err
		}
	}
	// Seeders reject connections while verifying.
	timeout := time.After(s.options.Timeout)
	for _, n := range s.seeders {
		select {
		case <-n.NotifyComplete():
		case <-timeout:
			return errVerifyTimeout
		}
	}
	if s.options.ResumeDB != "" {
		db, err := bbolt.Open(s.options.ResumeDB, 0640, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return err
		}
		s.db = db
	}
	for i := 0; i < s.options.Leechers; i++ {
		name := fmt.Sprintf("leecher-%d", i)
		res, err := s.newResumer(name)
		if err != nil {
			return err
		}
		sto := memstorage.New(s.metadata.PieceLength, s.metadata.TotalLength)
		var t *torrent.Torrent
		if res != nil {
			t, err = torrent.New(s.metadata, sto, nil, res, s.config())
		} else {
			t, err = torrent.New(s.metadata, sto, nil, nil, s.config())
		}
		if err != nil {
			return err
		}
		s.leechers = append(s.leechers, &node{Torrent: t, name: name, storage: sto})
		if err = t.Start(); err != nil {
			return err
		}
	}
	for _, l := range s.leechers {
		var addrs []*net.TCPAddr
		for _, n := range s.nodes() {
			if n != l {
				addrs = append(addrs, n.Addr())
			}
		}
		l.AddPeers(addrs)
	}
	return nil
}

// newResumer returns a resumer with no saved data because the torrent data is new in every run.
func (s *swarm) newResumer(name string) (*boltdbresumer.Resumer, error) {
	if s.db == nil {
		return nil, nil
	}
	res, err := boltdbresumer.New(s.db, []byte(name), s.metadata.InfoHash)
	if err != nil {
		return nil, err
	}
	if err = res.Delete(); err != nil {
		return nil, err
	}
	return boltdbresumer.New(s.db, []byte(name), s.metadata.InfoHash)
}

func (s *swarm) nodes() []*node {
	return append(append([]*node(nil), s.seeders...), s.leechers...)
}

func (s *swarm) wait() error {
	ticker := time.NewTicker(s.options.Interval)
	defer ticker.Stop()
	timeout := time.After(s.options.Timeout)
	started := time.Now()
	for _, l := range s.leechers {
	WAIT:
		for {
			select {
			case <-l.NotifyComplete():
				fmt.Fprintf(s.options.Output, "%s completed in %s\n", l.name, time.Since(started).Round(time.Millisecond))
				break WAIT
			case <-ticker.C:
				s.printProgress()
			case <-timeout:
				s.printProgress()
				return errTimeout
			}
		}
	}
	return nil
}

func (s *swarm) printProgress() {
	for _, l := range s.leechers {
		st := l.Stats()
		fmt.Fprintf(s.options.Output, "%s: %s %s / %s, %d peers, down: %s/s, up: %s/s\n",
			l.name,
			st.Status,
			humanize.IBytes(uint64(st.Bytes.Completed)),
			humanize.IBytes(uint64(st.Bytes.Total)),
			st.Peers.Total,
			humanize.IBytes(uint64(st.Speed.Download)),
			humanize.IBytes(uint64(st.Speed.Upload)))
	}
}

// check compares the data of leechers with the original and prints final stats.
func (s *swarm) check() error {
	var result error
	for _, n := range s.nodes() {
		b, err := jsonutil.MarshalCompactPretty(n.Stats())
		if err != nil {
			return err
		}
		fmt.Fprintf(s.options.Output, "--- %s\n%s", n.name, b)
	}
	for _, l := range s.leechers {
		if !bytes.Equal(l.storage.Bytes(), s.data) {
			result = multierror.Append(result, fmt.Errorf("%s: data does not match", l.name))
		}
	}
	return result
}

// Close all torrents and the resume database.
func (s *swarm) Close() error {
	var result error
	for _, n := range s.nodes() {
		if err := n.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", n.name, err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
