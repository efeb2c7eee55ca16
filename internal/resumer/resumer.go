// Package resumer contains an interface that is used by torrent package for resuming an existing download.
package resumer

// Resumer provides operations to save and load resume info for a Torrent.
type Resumer interface {
	// ReadBitfield returns nil if there is no saved bitfield.
	ReadBitfield() ([]byte, error)
	WriteBitfield([]byte) error
	ReadStats() (Stats, error)
	WriteStats(Stats) error
}

// Stats are the counters that survive restarts.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
}
