package acceptor

import (
	"net"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/pieceflow/pieceflow/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccept(t *testing.T) {
	defer leaktest.Check(t)()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	newConns := make(chan net.Conn)
	a := New(l, newConns, logger.New("acceptor"))
	go a.Run()

	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	conn := <-newConns
	assert.Equal(t, c.LocalAddr().String(), conn.RemoteAddr().String())
	conn.Close()

	a.Close()
}
