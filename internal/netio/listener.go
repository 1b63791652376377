package netio

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrInvalidState reports a lifecycle call made at the wrong time, such
// as listening twice or configuring an endpoint that is already live.
var ErrInvalidState = errors.New("netio: invalid state")

// AcceptFunc is invoked once per accepted connection, each on its own
// goroutine. The callback owns the socket and must close it.
type AcceptFunc func(*Socket)

// Listener accepts TCP connections and hands each one to an AcceptFunc.
// Terminate stops the accept loop; Listen may then be called again.
type Listener struct {
	accept AcceptFunc

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewListener builds an idle listener around accept.
func NewListener(accept AcceptFunc) *Listener {
	return &Listener{accept: accept}
}

// Listen binds port and starts the accept loop. Port 0 picks an
// ephemeral port, which tests read back through Addr.
func (l *Listener) Listen(port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return fmt.Errorf("%w: already listening", ErrInvalidState)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportIO, err)
	}
	done := make(chan struct{})
	l.listener = ln
	l.done = done
	go l.acceptLoop(ln, done)
	return nil
}

func (l *Listener) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go l.accept(NewSocket(conn))
	}
}

// Terminate stops accepting and waits for the accept loop to exit.
// Connections already handed off stay open.
func (l *Listener) Terminate() {
	l.mu.Lock()
	ln := l.listener
	done := l.done
	l.listener = nil
	l.done = nil
	l.mu.Unlock()
	if ln == nil {
		return
	}
	ln.Close()
	<-done
}

// Listening reports whether the accept loop is running.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener != nil
}

// Addr returns the bound address, or nil when idle.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}
