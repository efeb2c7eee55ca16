// Package boltdbresumer provides a Resumer implementation that uses a Bolt database file as storage.
package boltdbresumer

import (
	"fmt"
	"strconv"

	"github.com/pieceflow/pieceflow/internal/resumer"
	"go.etcd.io/bbolt"
)

// Keys for the persistent storage.
var Keys = struct {
	InfoHash        []byte
	Bitfield        []byte
	BytesDownloaded []byte
	BytesUploaded   []byte
	BytesWasted     []byte
}{
	InfoHash:        []byte("info_hash"),
	Bitfield:        []byte("bitfield"),
	BytesDownloaded: []byte("bytes_downloaded"),
	BytesUploaded:   []byte("bytes_uploaded"),
	BytesWasted:     []byte("bytes_wasted"),
}

// Resumer saves and loads resume information of a torrent in a sub-bucket named by the hex info hash.
type Resumer struct {
	db       *bbolt.DB
	bucket   []byte
	torrent  []byte
	infoHash [20]byte
}

var _ resumer.Resumer = (*Resumer)(nil)

// New returns a new Resumer for the torrent with infoHash.
// Buckets are created if they don't exist.
func New(db *bbolt.DB, bucket []byte, infoHash [20]byte) (*Resumer, error) {
	torrent := []byte(fmt.Sprintf("%x", infoHash[:]))
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		tb, err := b.CreateBucketIfNotExists(torrent)
		if err != nil {
			return err
		}
		return tb.Put(Keys.InfoHash, infoHash[:])
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{
		db:       db,
		bucket:   bucket,
		torrent:  torrent,
		infoHash: infoHash,
	}, nil
}

func (r *Resumer) view(fn func(b *bbolt.Bucket) error) error {
	return r.db.View(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(r.bucket).Bucket(r.torrent))
	})
}

func (r *Resumer) update(fn func(b *bbolt.Bucket) error) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(r.bucket).Bucket(r.torrent))
	})
}

// ReadBitfield returns the saved bitfield or nil.
func (r *Resumer) ReadBitfield() ([]byte, error) {
	var ret []byte
	err := r.view(func(b *bbolt.Bucket) error {
		if value := b.Get(Keys.Bitfield); value != nil {
			ret = make([]byte, len(value))
			copy(ret, value)
		}
		return nil
	})
	return ret, err
}

// WriteBitfield writes only bitfield of a torrent.
func (r *Resumer) WriteBitfield(value []byte) error {
	return r.update(func(b *bbolt.Bucket) error {
		return b.Put(Keys.Bitfield, value)
	})
}

// ReadStats returns saved counters. Missing counters are zero.
func (r *Resumer) ReadStats() (resumer.Stats, error) {
	var s resumer.Stats
	err := r.view(func(b *bbolt.Bucket) error {
		var err error
		if s.BytesDownloaded, err = readInt(b, Keys.BytesDownloaded); err != nil {
			return err
		}
		if s.BytesUploaded, err = readInt(b, Keys.BytesUploaded); err != nil {
			return err
		}
		s.BytesWasted, err = readInt(b, Keys.BytesWasted)
		return err
	})
	return s, err
}

// WriteStats writes the counters of a torrent.
func (r *Resumer) WriteStats(s resumer.Stats) error {
	return r.update(func(b *bbolt.Bucket) error {
		_ = b.Put(Keys.BytesDownloaded, []byte(strconv.FormatInt(s.BytesDownloaded, 10)))
		_ = b.Put(Keys.BytesUploaded, []byte(strconv.FormatInt(s.BytesUploaded, 10)))
		return b.Put(Keys.BytesWasted, []byte(strconv.FormatInt(s.BytesWasted, 10)))
	})
}

// Delete removes the resume information of the torrent.
func (r *Resumer) Delete() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(r.bucket).DeleteBucket(r.torrent)
	})
}

func readInt(b *bbolt.Bucket, key []byte) (int64, error) {
	value := b.Get(key)
	if value == nil {
		return 0, nil
	}
	return strconv.ParseInt(string(value), 10, 64)
}
