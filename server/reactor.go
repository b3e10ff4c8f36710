package server

import (
	"net"
	"time"
)

// Token is the opaque handle a socket is registered under with the reactor.
// Connection tokens are produced from identifiers only; see Identifier.Token.
type Token uint64

// listenerToken is reserved for the listening socket. The identifier pool
// never issues the matching identifier.
const listenerToken Token = 0

// Event is one readiness notification.
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	Hangup   bool
}

// Reactor delivers edge-triggered readiness notifications for registered
// file descriptors.
type Reactor interface {
	// Register adds fd for read and write readiness under t.
	Register(fd int, t Token) error
	// Deregister removes fd. Deregistering an unknown fd is not an error.
	Deregister(fd int) error
	// Wait blocks for at most timeout and fills events. It returns the number
	// of events filled; an interrupted wait returns 0 and no error.
	Wait(events []Event, timeout time.Duration) (int, error)
	Close() error
}

// Stream is an accepted, non-blocking socket. Read and Write return
// ErrWouldBlock when the kernel has nothing to offer; Read returns io.EOF
// once the peer has shut down its side.
type Stream interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

// Listener is a non-blocking listening socket. Accept returns ErrWouldBlock
// when no connection is pending.
type Listener interface {
	Fd() int
	Accept() (Stream, error)
	Addr() net.Addr
	Close() error
}
