package torrent

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFile(t *testing.T) {
	c, err := LoadConfig(filepath.Join(os.TempDir(), "pieceflow-does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig, *c)
}

func TestLoadConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "pieceflow-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "config.yaml")
	data := []byte("pipeline_depth: 25\nrequest_timeout: 5s\nverify_existing: true\nlog_level: debug\n")
	require.NoError(t, ioutil.WriteFile(filename, data, 0600))

	c, err := LoadConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, 25, c.PipelineDepth)
	assert.Equal(t, 5*time.Second, c.RequestTimeout)
	assert.True(t, c.VerifyExisting)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, DefaultConfig.MaxPeers, c.MaxPeers)
	assert.NoError(t, c.validate())
}

func TestConfigValidate(t *testing.T) {
	c := DefaultConfig
	c.PipelineDepth = 0
	assert.Error(t, c.validate())

	c = DefaultConfig
	c.IdleTimeout = 0
	assert.Error(t, c.validate())

	c = DefaultConfig
	c.ParallelWrites = -1
	assert.Error(t, c.validate())

	c = DefaultConfig
	c.PieceReadTimeout = 0
	assert.Error(t, c.validate())

	c = DefaultConfig
	c.KeepAliveInterval = c.IdleTimeout
	assert.Error(t, c.validate())

	c = DefaultConfig
	c.KeepAliveInterval = c.IdleTimeout - time.Second
	assert.NoError(t, c.validate())
}
