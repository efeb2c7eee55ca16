// Package acceptor accepts incoming peer connections.
package acceptor

import (
	"net"

	"github.com/pieceflow/pieceflow/internal/logger"
)

// Acceptor accepts connections from a listener and hands them to the coordinator.
type Acceptor struct {
	listener net.Listener
	newConns chan<- net.Conn
	log      logger.Logger
	closeC   chan struct{}
	doneC    chan struct{}
}

// New returns an Acceptor for listener. Accepted connections are sent to newConns.
func New(listener net.Listener, newConns chan<- net.Conn, l logger.Logger) *Acceptor {
	return &Acceptor{
		listener: listener,
		newConns: newConns,
		log:      l,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Close the listener and wait for Run to return.
func (a *Acceptor) Close() {
	close(a.closeC)
	a.listener.Close()
	<-a.doneC
}

// Run accepts connections until Close is called.
func (a *Acceptor) Run() {
	defer close(a.doneC)
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closeC:
			default:
				a.log.Error(err)
			}
			return
		}
		a.log.Debugln("accepted connection from", conn.RemoteAddr())
		select {
		case a.newConns <- conn:
		case <-a.closeC:
			conn.Close()
			return
		}
	}
}
