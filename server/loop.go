package server

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// loop is one shard. Everything it references is touched only from the
// goroutine running run.
type loop struct {
	idx     int
	srv     *Server
	ln      Listener
	reactor Reactor
	pool    *IdentifierPool
	limits  Limits
	log     logrus.FieldLogger

	conns  map[Identifier]*Connection
	events []Event

	// acceptPaused is set when an accept cycle ended without draining the
	// backlog. The listener is edge-triggered, so the loop must retry by
	// itself once a slot frees up.
	acceptPaused bool
	stopping     bool
	lastSweep    time.Time
}

func newLoop(idx int, srv *Server, ln Listener, r Reactor, pool *IdentifierPool) *loop {
	maxEvents := srv.config.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 128
	}
	return &loop{
		idx:     idx,
		srv:     srv,
		ln:      ln,
		reactor: r,
		pool:    pool,
		limits:  srv.config.Limits(),
		log:     srv.log.WithField("shard", idx),
		conns:   make(map[Identifier]*Connection, pool.Capacity()),
		events:  make([]Event, maxEvents),
	}
}

// run waits for readiness until ctx is done. Each wait is bounded by the
// sweep interval, which is also how quickly cancellation is noticed.
func (l *loop) run(ctx context.Context) error {
	defer l.shutdown()

	if err := l.reactor.Register(l.ln.Fd(), listenerToken); err != nil {
		return errors.Wrapf(err, "shard %d: register listener", l.idx)
	}
	l.lastSweep = l.srv.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := l.reactor.Wait(l.events, l.srv.config.SweepInterval)
		if err != nil {
			return errors.Wrapf(err, "shard %d", l.idx)
		}
		for _, ev := range l.events[:n] {
			l.onEvent(ev)
		}
		l.maybeSweep()
	}
}

func (l *loop) onEvent(ev Event) {
	if ev.Token == listenerToken {
		if ev.Readable {
			l.acceptAll(true)
		}
		return
	}

	id, ok := IdentifierFromToken(ev.Token)
	if !ok {
		return
	}
	c, ok := l.conns[id]
	if !ok {
		// Readiness for a connection closed earlier in this batch.
		return
	}

	if ev.Readable || ev.Hangup {
		l.serve(c)
	}
	if ev.Writable && !c.Closed() {
		l.flush(c)
	}
}

// acceptAll accepts until the backlog is drained or the pool is empty.
// notified is set when the listener reported a new connection. Only then
// does an empty pool with nothing accepted count as a rejection.
func (l *loop) acceptAll(notified bool) {
	accepted := 0
	for !l.stopping {
		c, err := Accept(l.ln, l.pool, l.reactor, l.srv.clock, l.limits)
		switch {
		case err == nil:
			accepted++
			l.conns[c.ID()] = c
			l.srv.metrics.ConnectionAccepted()
			l.log.WithFields(logrus.Fields{
				"conn_id": c.ID(),
				"remote":  c.RemoteAddr(),
			}).Debug("connection accepted")
		case errors.Is(err, ErrWouldBlock):
			l.acceptPaused = false
			return
		case errors.Is(err, ErrExhausted):
			l.acceptPaused = true
			if notified && accepted == 0 {
				l.srv.metrics.ConnectionRejected()
				l.log.WithField("open", len(l.conns)).Debug("identifier pool exhausted, deferring accept")
			}
			return
		default:
			l.acceptPaused = true
			l.log.WithError(err).Warn("accept failed")
			return
		}
	}
}

// serve reads everything available, frames and dispatches every complete
// request, then writes what it can of the responses. A peer that has shut
// down its side is closed once its responses are written.
func (l *loop) serve(c *Connection) {
	for {
		before := c.Buffered()
		_, err := c.Read()
		if n := c.Buffered() - before; n > 0 {
			l.srv.metrics.BytesRead(n)
		}
		if err != nil {
			l.closeConn(c, reasonIOError, err)
			return
		}

		if !l.drain(c) {
			return
		}

		if !c.Pending() || c.Closing() {
			break
		}
	}

	if c.PeerClosed() {
		c.CloseAfterFlush()
	}
	l.flush(c)
}

// drain dispatches every complete request in the buffer. It returns false
// if the connection was closed because of a malformed frame.
func (l *loop) drain(c *Connection) bool {
	for !c.Closing() {
		unit, err := c.NextRequest()
		if err != nil {
			l.srv.metrics.MalformedFrame()
			resp, _ := Serve400("Bad Request")
			c.Queue(withConnectionClose(resp))
			_, _ = c.Flush()
			l.closeConn(c, reasonMalformed, err)
			return false
		}
		if unit == nil {
			return true
		}

		l.srv.metrics.RequestFramed(unit.Len())
		resp, _, keepAlive := l.srv.router.Dispatch(unit)
		c.Queue(resp)
		if !keepAlive {
			c.CloseAfterFlush()
		}
	}
	return true
}

func (l *loop) flush(c *Connection) {
	done, err := c.Flush()
	if err != nil {
		l.closeConn(c, reasonIOError, err)
		return
	}
	if done && c.Closing() {
		reason := reasonRequested
		if c.PeerClosed() {
			reason = reasonPeerClosed
		}
		l.closeConn(c, reason, nil)
	}
}

// closeConn is the single exit path for a connection.
func (l *loop) closeConn(c *Connection, reason string, cause error) {
	if c.Closed() {
		return
	}
	delete(l.conns, c.ID())

	entry := l.log.WithFields(logrus.Fields{
		"conn_id": c.ID(),
		"reason":  reason,
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	if err := c.Close(l.reactor, l.pool); err != nil {
		entry = entry.WithField("close_error", err)
	}
	entry.Debug("connection closed")
	l.srv.metrics.ConnectionClosed(reason)

	if l.acceptPaused && !l.stopping {
		l.acceptAll(false)
	}
}

// maybeSweep closes idle connections once per sweep interval.
func (l *loop) maybeSweep() {
	now := l.srv.clock.Now()
	if now.Sub(l.lastSweep) < l.srv.config.SweepInterval {
		return
	}
	l.lastSweep = now

	for _, c := range l.conns {
		if c.IsTimedOut(l.srv.config.IdleTimeout) {
			l.closeConn(c, reasonTimeout, nil)
		}
	}

	if l.acceptPaused {
		l.acceptAll(false)
	}
}

func (l *loop) shutdown() {
	l.stopping = true
	for _, c := range l.conns {
		l.closeConn(c, reasonShutdown, nil)
	}
	if err := l.ln.Close(); err != nil {
		l.log.WithError(err).Warn("close listener")
	}
	if err := l.reactor.Close(); err != nil {
		l.log.WithError(err).Warn("close reactor")
	}
	l.log.Debug("shard stopped")
}
