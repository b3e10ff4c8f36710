package server

import (
	"bytes"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleGET = "GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n"

func readAll(t *testing.T, c *Connection) {
	t.Helper()
	_, err := c.Read()
	require.NoError(t, err)
}

func TestConnectionFrameExactRequest(t *testing.T) {
	s := newFakeStream(10)
	s.feed(simpleGET)
	c := testConnection(t, s, clock.NewMock())
	readAll(t, c)

	res := c.frame()
	require.Equal(t, frameComplete, res.status)
	assert.Equal(t, len(simpleGET), res.length)
	assert.Equal(t, 1, res.headerCount)

	unit, err := c.NextRequest()
	require.NoError(t, err)
	require.NotNil(t, unit)
	assert.Equal(t, simpleGET, string(unit.Bytes()))
	assert.Equal(t, Identifier(42), unit.ID())
	assert.Empty(t, unit.Body())
	assert.Equal(t, 0, c.Buffered())

	unit, err = c.NextRequest()
	assert.NoError(t, err)
	assert.Nil(t, unit)
}

func TestConnectionFramePipelined(t *testing.T) {
	second := "GET /time HTTP/1.1\r\nHost: localhost\r\n\r\n"
	s := newFakeStream(10)
	s.feed(simpleGET + second)
	c := testConnection(t, s, clock.NewMock())
	readAll(t, c)

	first, err := c.NextRequest()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, simpleGET, string(first.Bytes()))
	assert.Equal(t, len(second), c.Buffered())

	// The second request is framed without another read.
	next, err := c.NextRequest()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second, string(next.Bytes()))
	assert.Equal(t, 0, c.Buffered())
}

func TestConnectionFramePartialLeavesBuffer(t *testing.T) {
	s := newFakeStream(10)
	s.feed(simpleGET[:20])
	c := testConnection(t, s, clock.NewMock())
	readAll(t, c)

	before := append([]byte(nil), c.buf...)
	assert.Equal(t, frameIncomplete, c.frame().status)

	unit, err := c.NextRequest()
	require.NoError(t, err)
	assert.Nil(t, unit)
	assert.Equal(t, before, c.buf)

	s.feed(simpleGET[20:])
	readAll(t, c)
	unit, err = c.NextRequest()
	require.NoError(t, err)
	require.NotNil(t, unit)
	assert.Equal(t, simpleGET, string(unit.Bytes()))
}

func TestConnectionFrameMalformed(t *testing.T) {
	s := newFakeStream(10)
	s.feed("GET / HTTP/1.1\r\nno-separator-here\r\n\r\n")
	c := testConnection(t, s, clock.NewMock())
	readAll(t, c)

	assert.Equal(t, frameMalformed, c.frame().status)
	unit, err := c.NextRequest()
	assert.Nil(t, unit)
	assert.True(t, IsMalformed(err))
}

func TestConnectionFrameHeadTooLarge(t *testing.T) {
	s := newFakeStream(10)
	s.feed("GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 9000))
	c := testConnection(t, s, clock.NewMock())
	readAll(t, c)

	_, err := c.NextRequest()
	assert.ErrorIs(t, err, ErrHeadTooLarge)
}

func TestConnectionFrameBody(t *testing.T) {
	post := "POST /test HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world"
	s := newFakeStream(10)
	s.feed(post[:len(post)-4])
	c := testConnection(t, s, clock.NewMock())
	readAll(t, c)

	unit, err := c.NextRequest()
	require.NoError(t, err)
	require.Nil(t, unit, "body not complete yet")

	s.feed(post[len(post)-4:] + simpleGET)
	readAll(t, c)

	unit, err = c.NextRequest()
	require.NoError(t, err)
	require.NotNil(t, unit)
	assert.Equal(t, "hello world", string(unit.Body()))
	assert.Equal(t, post, string(unit.Bytes()))

	unit, err = c.NextRequest()
	require.NoError(t, err)
	require.NotNil(t, unit)
	assert.Equal(t, simpleGET, string(unit.Bytes()))
}

func TestConnectionRequestUnitOwnsBytes(t *testing.T) {
	s := newFakeStream(10)
	s.feed(simpleGET + "GET /x HTTP/1.1\r\n")
	c := testConnection(t, s, clock.NewMock())
	readAll(t, c)

	unit, err := c.NextRequest()
	require.NoError(t, err)
	require.NotNil(t, unit)

	full := c.buf[:cap(c.buf)]
	for i := range full {
		full[i] = 'z'
	}
	assert.Equal(t, simpleGET, string(unit.Bytes()))
}

func TestConnectionBufferCapacity(t *testing.T) {
	body := strings.Repeat("b", 3*maxPoolBufferSize)
	big := "POST /upload HTTP/1.1\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body

	s := newFakeStream(10)
	s.feed(big + simpleGET)
	c := testConnection(t, s, clock.NewMock())
	readAll(t, c)
	require.Greater(t, cap(c.buf), maxPoolBufferSize)

	unit, err := c.NextRequest()
	require.NoError(t, err)
	require.NotNil(t, unit)
	assert.Equal(t, len(big), unit.Len())

	assert.Equal(t, connBufferSize, cap(c.buf))
	assert.Equal(t, simpleGET, string(c.buf))

	unit, err = c.NextRequest()
	require.NoError(t, err)
	require.NotNil(t, unit)
	assert.Equal(t, connBufferSize, cap(c.buf))
}

func TestConnectionConsumeGrowsSmallBuffer(t *testing.T) {
	c := testConnection(t, newFakeStream(10), clock.NewMock())
	c.buf = []byte("abcdef")

	c.consume(2)
	assert.Equal(t, "cdef", string(c.buf))
	assert.Equal(t, connBufferSize, cap(c.buf))
}

func TestConnectionConsumeKeepsLargeRemainder(t *testing.T) {
	c := testConnection(t, newFakeStream(10), clock.NewMock())
	c.buf = bytes.Repeat([]byte("x"), 2*maxPoolBufferSize)

	c.consume(10)
	assert.Len(t, c.buf, 2*maxPoolBufferSize-10)
	assert.GreaterOrEqual(t, cap(c.buf), len(c.buf))
}

func TestConnectionReadResult(t *testing.T) {
	s := newFakeStream(10)
	c := testConnection(t, s, clock.NewMock())

	got, err := c.Read()
	require.NoError(t, err)
	assert.False(t, got, "nothing to read")

	s.feed("GET ", "/ HTTP/1.1\r\n", "\r\n")
	got, err = c.Read()
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, "GET / HTTP/1.1\r\n\r\n", string(c.buf))
	assert.False(t, c.PeerClosed())
}

func TestConnectionReadPeerClosed(t *testing.T) {
	s := newFakeStream(10)
	s.feed(simpleGET)
	s.eof = true
	c := testConnection(t, s, clock.NewMock())

	got, err := c.Read()
	require.NoError(t, err)
	assert.True(t, got)
	assert.True(t, c.PeerClosed())
	assert.Equal(t, len(simpleGET), c.Buffered())

	got, err = c.Read()
	require.NoError(t, err)
	assert.False(t, got)
}

func TestConnectionReadError(t *testing.T) {
	s := newFakeStream(10)
	s.readErr = syscall.ECONNRESET
	c := testConnection(t, s, clock.NewMock())

	_, err := c.Read()
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ECONNRESET))
}

func TestConnectionReadLimit(t *testing.T) {
	s := newFakeStream(10)
	s.feed(strings.Repeat("a", connBufferSize), strings.Repeat("b", connBufferSize))

	limits := DefaultLimits()
	limits.ReadLimit = connBufferSize
	c := newConnection(s, Identifier(7), clock.NewMock(), limits)

	got, err := c.Read()
	require.NoError(t, err)
	assert.True(t, got)
	assert.True(t, c.Pending())
	assert.Equal(t, connBufferSize, c.Buffered())

	_, err = c.Read()
	require.NoError(t, err)
	assert.True(t, c.Pending())
	assert.Equal(t, 2*connBufferSize, c.Buffered())

	got, err = c.Read()
	require.NoError(t, err)
	assert.False(t, got)
	assert.False(t, c.Pending())
}

func TestConnectionTimeout(t *testing.T) {
	mock := clock.NewMock()
	s := newFakeStream(10)
	c := testConnection(t, s, mock)
	timeout := 30 * time.Second

	assert.False(t, c.IsTimedOut(timeout))

	mock.Add(timeout - time.Nanosecond)
	assert.False(t, c.IsTimedOut(timeout))

	mock.Add(time.Nanosecond)
	assert.True(t, c.IsTimedOut(timeout))

	// Reads that return bytes refresh the activity time.
	s.feed("G")
	readAll(t, c)
	assert.False(t, c.IsTimedOut(timeout))
	assert.Equal(t, mock.Now(), c.LastActivity())

	// Reads that return nothing do not.
	mock.Add(timeout)
	readAll(t, c)
	assert.True(t, c.IsTimedOut(timeout))
}

func TestConnectionFlush(t *testing.T) {
	s := newFakeStream(10)
	s.writeCap = 5
	c := testConnection(t, s, clock.NewMock())

	c.Queue([]byte("hello "))
	c.Queue([]byte("world"))

	done, err := c.Flush()
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "hello", s.out.String())

	s.writeCap = -1
	done, err = c.Flush()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "hello world", s.out.String())

	s.writeErr = syscall.EPIPE
	c.Queue([]byte("x"))
	_, err = c.Flush()
	assert.True(t, errors.Is(err, syscall.EPIPE))
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	pool := NewIdentifierPool(1, testFactory(t))
	r := newFakeReactor()
	s := newFakeStream(11)
	ln := &fakeListener{pending: []*fakeStream{s}}

	c, err := Accept(ln, pool, r, clock.NewMock(), DefaultLimits())
	require.NoError(t, err)
	require.Contains(t, r.registered, 11)
	assert.Equal(t, c.ID().Token(), r.registered[11])
	assert.Equal(t, 1, pool.Available())

	require.NoError(t, c.Close(r, pool))
	require.NoError(t, c.Close(r, pool))

	assert.True(t, c.Closed())
	assert.Equal(t, []int{11}, r.deregistered)
	assert.Equal(t, 1, s.closed)
	assert.Equal(t, 2, pool.Available())
	assert.Equal(t, 1, pool.countFree(c.ID()))
}

func TestAcceptExhaustionAndReuse(t *testing.T) {
	pool := NewIdentifierPool(1, testFactory(t))
	r := newFakeReactor()
	streams := []*fakeStream{newFakeStream(11), newFakeStream(12), newFakeStream(13), newFakeStream(14)}
	ln := &fakeListener{pending: append([]*fakeStream(nil), streams...)}
	clk := clock.NewMock()

	a, err := Accept(ln, pool, r, clk, DefaultLimits())
	require.NoError(t, err)
	b, err := Accept(ln, pool, r, clk, DefaultLimits())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	// The third connection is declined without touching the listener.
	accepts := ln.accepts
	_, err = Accept(ln, pool, r, clk, DefaultLimits())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, accepts, ln.accepts)
	assert.Len(t, ln.pending, 2)

	require.NoError(t, a.Close(r, pool))

	d, err := Accept(ln, pool, r, clk, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, a.ID(), d.ID())
	assert.Equal(t, 13, d.stream.Fd())
	assert.Equal(t, d.ID().Token(), r.registered[13])
}

func TestAcceptWouldBlockReleasesIdentifier(t *testing.T) {
	pool := NewIdentifierPool(1, testFactory(t))
	ln := &fakeListener{}

	_, err := Accept(ln, pool, newFakeReactor(), clock.NewMock(), DefaultLimits())
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, pool.Capacity(), pool.Available())
}

func TestAcceptErrorReleasesIdentifier(t *testing.T) {
	pool := NewIdentifierPool(1, testFactory(t))
	ln := &fakeListener{acceptErr: syscall.EMFILE}

	_, err := Accept(ln, pool, newFakeReactor(), clock.NewMock(), DefaultLimits())
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EMFILE))
	assert.NotErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, pool.Capacity(), pool.Available())
}

func TestAcceptRegisterFailureReleasesIdentifier(t *testing.T) {
	pool := NewIdentifierPool(1, testFactory(t))
	r := newFakeReactor()
	r.registerErr = syscall.ENOSPC
	s := newFakeStream(11)
	ln := &fakeListener{pending: []*fakeStream{s}}

	_, err := Accept(ln, pool, r, clock.NewMock(), DefaultLimits())
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ENOSPC))
	assert.Equal(t, pool.Capacity(), pool.Available())
	assert.Equal(t, 1, s.closed)
}
