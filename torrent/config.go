package torrent

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config for Torrent.
type Config struct {
	// Address to listen for incoming connections. Empty disables listening.
	ListenAddr string `yaml:"listen_addr"`
	// Max number of connected peers, incoming and outgoing together.
	MaxPeers int `yaml:"max_peers"`
	// Max number of outgoing connections being dialed at the same time.
	MaxPeerDial int `yaml:"max_peer_dial"`
	// Max number of addresses kept for dialing later.
	MaxAddrs int `yaml:"max_addrs"`

	// Max number of outstanding requests to a peer. The peer may lower it with reqq.
	PipelineDepth int `yaml:"pipeline_depth"`
	// Duplicate requests are allowed when the number of missing blocks is at most this value.
	EndgameThreshold int `yaml:"endgame_threshold"`
	// Max number of peers a block is requested from in endgame.
	EndgameMaxDuplicates int `yaml:"endgame_max_duplicates"`
	// Max number of requests from a peer queued for upload.
	MaxQueuedPieces int `yaml:"max_queued_pieces"`

	// A request that is not answered in this duration is given to another peer.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Keep-alive is sent when the connection is quiet for this duration.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	// Connection is closed if nothing is read in this duration.
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	// Connection is closed if a started piece message does not progress in this duration.
	PieceReadTimeout time.Duration `yaml:"piece_read_timeout"`

	// Number of peers unchoked by their speed.
	UnchokedPeers int `yaml:"unchoked_peers"`
	// Number of peers unchoked at random.
	OptimisticUnchokedPeers int           `yaml:"optimistic_unchoked_peers"`
	UnchokeInterval         time.Duration `yaml:"unchoke_interval"`

	// Number of pieces verified and written to storage at the same time.
	ParallelWrites int `yaml:"parallel_writes"`
	// Number of retries after a failed storage write.
	StorageRetries       int           `yaml:"storage_retries"`
	StorageRetryInterval time.Duration `yaml:"storage_retry_interval"`
	// Hash existing data in storage on start when there is no resume data.
	VerifyExisting bool `yaml:"verify_existing"`

	// Speed limits in KiB/s. Zero means unlimited.
	SpeedLimitDownload int64 `yaml:"speed_limit_download"`
	SpeedLimitUpload   int64 `yaml:"speed_limit_upload"`

	// Seed of the random source used in piece selection. Zero means time based.
	RandomSeed int64 `yaml:"random_seed"`
	// Sent in the extension handshake.
	ClientVersion string `yaml:"client_version"`
	// Minimum level of printed log messages: debug, info, notice, warning, error or critical.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig for Torrent.
var DefaultConfig = Config{
	MaxPeers:    60,
	MaxPeerDial: 20,
	MaxAddrs:    2000,

	PipelineDepth:        10,
	EndgameThreshold:     32,
	EndgameMaxDuplicates: 2,
	MaxQueuedPieces:      250,

	RequestTimeout:    20 * time.Second,
	KeepAliveInterval: 2 * time.Minute,
	IdleTimeout:       3 * time.Minute,
	HandshakeTimeout:  10 * time.Second,
	DialTimeout:       10 * time.Second,
	PieceReadTimeout:  30 * time.Second,

	UnchokedPeers:           3,
	OptimisticUnchokedPeers: 1,
	UnchokeInterval:         10 * time.Second,

	ParallelWrites:       4,
	StorageRetries:       3,
	StorageRetryInterval: 100 * time.Millisecond,

	ClientVersion: "pieceflow " + Version,
	LogLevel:      "info",
}

// LoadConfig reads a YAML config file. Values missing in the file keep their defaults.
// DefaultConfig is returned if the file does not exist.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch {
	case c.PipelineDepth < 1:
		return fmt.Errorf("invalid pipeline depth: %d", c.PipelineDepth)
	case c.ParallelWrites < 1:
		return fmt.Errorf("invalid number of parallel writes: %d", c.ParallelWrites)
	case c.MaxPeers < 1:
		return fmt.Errorf("invalid max peers: %d", c.MaxPeers)
	case c.RequestTimeout <= 0, c.KeepAliveInterval <= 0, c.IdleTimeout <= 0, c.PieceReadTimeout <= 0:
		return errors.New("session timeouts must be positive")
	case c.KeepAliveInterval >= c.IdleTimeout:
		// The remote closes the connection before our keep-alive is sent.
		return fmt.Errorf("keep-alive interval (%s) must be less than idle timeout (%s)", c.KeepAliveInterval, c.IdleTimeout)
	case c.UnchokeInterval <= 0:
		return fmt.Errorf("invalid unchoke interval: %s", c.UnchokeInterval)
	}
	return nil
}
