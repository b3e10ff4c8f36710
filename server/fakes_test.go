package server

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeStream replays queued chunks and records writes.
type fakeStream struct {
	fd       int
	in       [][]byte
	eof      bool
	readErr  error
	writeCap int // bytes accepted before would-block, -1 unlimited
	writeErr error
	out      bytes.Buffer
	closed   int
}

func newFakeStream(fd int) *fakeStream {
	return &fakeStream{fd: fd, writeCap: -1}
}

func (s *fakeStream) feed(chunks ...string) {
	for _, c := range chunks {
		s.in = append(s.in, []byte(c))
	}
}

func (s *fakeStream) Fd() int { return s.fd }

func (s *fakeStream) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + s.fd}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if len(s.in) == 0 {
		switch {
		case s.readErr != nil:
			return 0, s.readErr
		case s.eof:
			return 0, io.EOF
		default:
			return 0, ErrWouldBlock
		}
	}
	chunk := s.in[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		s.in[0] = chunk[n:]
	} else {
		s.in = s.in[1:]
	}
	return n, nil
}

func (s *fakeStream) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	n := len(p)
	if s.writeCap >= 0 {
		n = min(n, s.writeCap)
		s.writeCap -= n
	}
	if n == 0 {
		return 0, ErrWouldBlock
	}
	s.out.Write(p[:n])
	return n, nil
}

func (s *fakeStream) Close() error {
	s.closed++
	return nil
}

// fakeListener hands out queued streams.
type fakeListener struct {
	pending   []*fakeStream
	acceptErr error
	accepts   int
	closed    bool
}

func (l *fakeListener) Fd() int { return 3 }

func (l *fakeListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

func (l *fakeListener) Accept() (Stream, error) {
	l.accepts++
	if l.acceptErr != nil {
		return nil, l.acceptErr
	}
	if len(l.pending) == 0 {
		return nil, ErrWouldBlock
	}
	s := l.pending[0]
	l.pending = l.pending[1:]
	return s, nil
}

func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}

// fakeReactor records registrations.
type fakeReactor struct {
	registered   map[int]Token
	deregistered []int
	registerErr  error
	closed       bool
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{registered: make(map[int]Token)}
}

func (r *fakeReactor) Register(fd int, t Token) error {
	if r.registerErr != nil {
		return r.registerErr
	}
	r.registered[fd] = t
	return nil
}

func (r *fakeReactor) Deregister(fd int) error {
	delete(r.registered, fd)
	r.deregistered = append(r.deregistered, fd)
	return nil
}

func (r *fakeReactor) Wait([]Event, time.Duration) (int, error) { return 0, nil }

func (r *fakeReactor) Close() error {
	r.closed = true
	return nil
}

// testFactory returns a factory with a fixed all-zero seed.
func testFactory(t *testing.T) *IdentifierFactory {
	t.Helper()
	f, err := NewIdentifierFactoryFrom(bytes.NewReader(make([]byte, 64)))
	require.NoError(t, err)
	return f
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// testConnection wraps stream in an Active connection without going
// through Accept.
func testConnection(t *testing.T, stream *fakeStream, clk clock.Clock) *Connection {
	t.Helper()
	return newConnection(stream, Identifier(42), clk, DefaultLimits())
}
