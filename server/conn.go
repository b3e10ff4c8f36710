package server

import (
	"bytes"
	"io"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Limits bound what a single connection may buffer.
type Limits struct {
	MaxHeaderSize int   // longest accepted request head
	MaxBodySize   int64 // largest accepted Content-Length
	MaxHeaders    int   // header slots offered to the parser
	ReadLimit     int   // bytes taken from the socket per Read call, 0 = until would-block
}

// DefaultLimits matches DefaultConfig.
func DefaultLimits() Limits {
	return DefaultConfig().Limits()
}

type frameStatus int

const (
	frameIncomplete frameStatus = iota
	frameMalformed
	frameComplete
)

func (s frameStatus) String() string {
	switch s {
	case frameIncomplete:
		return "incomplete"
	case frameMalformed:
		return "malformed"
	case frameComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// frameResult is the outcome of one framing attempt over the buffer.
type frameResult struct {
	status      frameStatus
	length      int // head plus body
	headLen     int
	headerCount int
	err         error
}

// Connection is one accepted peer. It is owned by exactly one event loop.
type Connection struct {
	stream  Stream
	id      Identifier
	clock   clock.Clock
	limits  Limits
	headers []Header

	buf  []byte // received, not yet framed
	out  []byte // queued response bytes
	last time.Time

	peerClosed bool
	pending    bool
	closing    bool
	closed     bool
}

// Accept takes an identifier from pool, accepts one pending socket from ln
// and registers it with r under the identifier's token.
//
// ErrExhausted and ErrWouldBlock are expected outcomes that end the current
// accept cycle. On every failure the identifier is back in the pool and no
// socket is left open.
func Accept(ln Listener, pool *IdentifierPool, r Reactor, clk clock.Clock, limits Limits) (*Connection, error) {
	id, ok := pool.Acquire()
	if !ok {
		return nil, ErrExhausted
	}

	stream, err := ln.Accept()
	if err != nil {
		pool.Release(id)
		if errors.Is(err, ErrWouldBlock) {
			return nil, ErrWouldBlock
		}
		return nil, errors.Wrap(err, "accept")
	}

	if err := r.Register(stream.Fd(), id.Token()); err != nil {
		pool.Release(id)
		return nil, multierr.Append(errors.Wrap(err, "register"), stream.Close())
	}

	return newConnection(stream, id, clk, limits), nil
}

func newConnection(stream Stream, id Identifier, clk clock.Clock, limits Limits) *Connection {
	if limits.MaxHeaders <= 0 {
		limits.MaxHeaders = DefaultLimits().MaxHeaders
	}
	return &Connection{
		stream:  stream,
		id:      id,
		clock:   clk,
		limits:  limits,
		headers: make([]Header, limits.MaxHeaders),
		buf:     make([]byte, 0, connBufferSize),
		last:    clk.Now(),
	}
}

// ID returns the identifier the connection holds until it closes.
func (c *Connection) ID() Identifier { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.stream.RemoteAddr() }

// Buffered reports how many received bytes are waiting to be framed.
func (c *Connection) Buffered() int { return len(c.buf) }

// PeerClosed reports whether the peer has shut down its sending side.
func (c *Connection) PeerClosed() bool { return c.peerClosed }

// Pending reports whether the last Read stopped at the read limit with the
// socket possibly still readable.
func (c *Connection) Pending() bool { return c.pending }

// LastActivity is the time of the last read that returned bytes.
func (c *Connection) LastActivity() time.Time { return c.last }

// Read drains the socket into the buffer until it would block, the peer
// closes, or the read limit is reached. It reports whether any bytes
// arrived. Would-block is never returned; any other error is fatal to the
// connection.
func (c *Connection) Read() (bool, error) {
	start := len(c.buf)
	c.pending = false

	chunkPtr := chunkBufferPool.Get().(*[]byte)
	defer chunkBufferPool.Put(chunkPtr)
	chunk := *chunkPtr

	for !c.peerClosed {
		if c.limits.ReadLimit > 0 && len(c.buf)-start >= c.limits.ReadLimit {
			c.pending = true
			break
		}

		n, err := c.stream.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				break
			}
			if errors.Is(err, io.EOF) {
				c.peerClosed = true
				break
			}
			return len(c.buf) > start, errors.Wrap(err, "read")
		}
		if n == 0 {
			break
		}
	}

	grew := len(c.buf) > start
	if grew {
		c.last = c.clock.Now()
	}
	return grew, nil
}

// IsTimedOut reports whether timeout has elapsed since the last read that
// returned bytes.
func (c *Connection) IsTimedOut(timeout time.Duration) bool {
	return c.clock.Since(c.last) >= timeout
}

// frame tries to find one complete request at the front of the buffer. It
// never modifies the buffer.
func (c *Connection) frame() frameResult {
	headLen, count, err := parseHead(c.buf, c.headers)
	if err == errIncomplete {
		if c.limits.MaxHeaderSize > 0 && len(c.buf) > c.limits.MaxHeaderSize {
			return frameResult{status: frameMalformed, err: ErrHeadTooLarge}
		}
		return frameResult{status: frameIncomplete}
	}
	if err != nil {
		return frameResult{status: frameMalformed, err: err}
	}
	if c.limits.MaxHeaderSize > 0 && headLen > c.limits.MaxHeaderSize {
		return frameResult{status: frameMalformed, err: ErrHeadTooLarge}
	}

	bodyLen, err := bodyLength(c.headers[:count], c.limits.MaxBodySize)
	if err != nil {
		return frameResult{status: frameMalformed, err: err}
	}

	total := headLen + bodyLen
	if len(c.buf) < total {
		return frameResult{status: frameIncomplete}
	}

	return frameResult{
		status:      frameComplete,
		length:      total,
		headLen:     headLen,
		headerCount: count,
	}
}

// NextRequest splits one complete request off the buffer. It returns nil
// and no error when more bytes are needed, and an error wrapping
// ErrMalformedFrame when the buffered bytes can never form a request.
func (c *Connection) NextRequest() (*RequestUnit, error) {
	res := c.frame()
	switch res.status {
	case frameIncomplete:
		return nil, nil
	case frameMalformed:
		return nil, res.err
	}

	data := make([]byte, res.length)
	copy(data, c.buf)
	c.consume(res.length)

	return NewRequestUnit(data, res.headLen, res.headerCount, c.id), nil
}

// consume drops the first n bytes and compacts the remainder to the front.
// Capacity is kept at connBufferSize: a buffer that grew past
// maxPoolBufferSize is reallocated, one that is somehow smaller is grown.
func (c *Connection) consume(n int) {
	rest := c.buf[n:]

	target := connBufferSize
	if len(rest) > target {
		target = len(rest)
	}

	if cap(c.buf) < target || (cap(c.buf) > maxPoolBufferSize && target < cap(c.buf)) {
		nb := make([]byte, len(rest), target)
		copy(nb, rest)
		c.buf = nb
		return
	}

	c.buf = c.buf[:copy(c.buf, rest)]
}

// Queue appends response bytes to be written by Flush.
func (c *Connection) Queue(p []byte) {
	c.out = append(c.out, p...)
}

// Flush writes queued bytes until the socket would block. It reports
// whether the queue is empty afterwards.
func (c *Connection) Flush() (bool, error) {
	for len(c.out) > 0 {
		n, err := c.stream.Write(c.out)
		if n > 0 {
			c.out = c.out[n:]
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return false, nil
			}
			return false, errors.Wrap(err, "write")
		}
		if n == 0 {
			return false, nil
		}
	}
	c.out = nil
	return true, nil
}

// CloseAfterFlush marks the connection to be closed once its queued output
// has been written.
func (c *Connection) CloseAfterFlush() { c.closing = true }

// Closing reports whether CloseAfterFlush was called.
func (c *Connection) Closing() bool { return c.closing }

// Closed reports whether Close has run.
func (c *Connection) Closed() bool { return c.closed }

// Close deregisters the socket, closes it and returns the identifier to
// pool. Calls after the first do nothing.
func (c *Connection) Close(r Reactor, pool *IdentifierPool) error {
	if c.closed {
		return nil
	}
	c.closed = true

	err := multierr.Combine(
		errors.Wrap(r.Deregister(c.stream.Fd()), "deregister"),
		errors.Wrap(c.stream.Close(), "close socket"),
	)
	pool.Release(c.id)

	c.buf = nil
	c.out = nil
	return err
}

var (
	contentLengthHeader    = []byte("Content-Length")
	transferEncodingHeader = []byte("Transfer-Encoding")
)

// bodyLength returns the Content-Length the head declares, or 0.
func bodyLength(headers []Header, maxBody int64) (int, error) {
	length := int64(-1)
	for _, h := range headers {
		switch {
		case bytes.EqualFold(h.Name, transferEncodingHeader):
			return 0, ErrUnsupportedBody
		case bytes.EqualFold(h.Name, contentLengthHeader):
			n, err := parseContentLength(h.Value)
			if err != nil {
				return 0, err
			}
			if length >= 0 && n != length {
				return 0, errors.Wrap(ErrMalformedFrame, "conflicting Content-Length")
			}
			length = n
		}
	}

	if length < 0 {
		return 0, nil
	}
	if maxBody > 0 && length > maxBody {
		return 0, errors.Wrapf(ErrBodyTooLarge, "%d bytes", length)
	}
	return int(length), nil
}

func parseContentLength(v []byte) (int64, error) {
	if len(v) == 0 || len(v) > 18 {
		return 0, errors.Wrapf(ErrMalformedFrame, "invalid Content-Length %q", v)
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, errors.Wrapf(ErrMalformedFrame, "invalid Content-Length %q", v)
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}
