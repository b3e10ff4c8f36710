package server

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Server runs one or more shards, each an event loop that owns a listener,
// a reactor, an identifier pool and the connections accepted on it.
type Server struct {
	config  *Config
	router  *Router
	log     logrus.FieldLogger
	clock   clock.Clock
	metrics Metrics
	entropy io.Reader

	listen     func(addr string, reusePort bool) (Listener, error)
	newReactor func(maxEvents int) (Reactor, error)

	mu      sync.Mutex
	started bool
	addrs   []net.Addr
	ready   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for server and shard events.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithClock replaces the wall clock used for idle tracking and sweeps.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// WithMetrics sets where connection and framing counters are reported.
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithEntropy replaces crypto/rand as the identifier seed source.
func WithEntropy(r io.Reader) Option {
	return func(s *Server) { s.entropy = r }
}

// NewServer creates a server for router. A nil config means DefaultConfig.
func NewServer(config *Config, router *Router, opts ...Option) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if router == nil {
		router = NewRouterWithConfig(config)
	}

	s := &Server{
		config:     config,
		router:     router,
		log:        logrus.StandardLogger(),
		clock:      clock.New(),
		metrics:    NewNoopMetrics(),
		entropy:    rand.Reader,
		listen:     defaultListen,
		newReactor: defaultReactor,
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready is closed once every shard is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addrs returns the bound listener addresses, one per shard.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]net.Addr(nil), s.addrs...)
}

// ListenAndServe opens every shard and serves until ctx is cancelled or a
// shard fails. Startup failures are returned before any connection is
// accepted. A Server serves once; later calls return ErrServerStarted.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrServerStarted
	}
	s.started = true
	s.mu.Unlock()

	factory, err := NewIdentifierFactoryFrom(s.entropy)
	if err != nil {
		return errors.Wrap(err, "identifier factory")
	}

	loops, err := s.openShards(factory)
	if err != nil {
		return err
	}

	addrs := make([]net.Addr, len(loops))
	for i, l := range loops {
		addrs[i] = l.ln.Addr()
	}
	s.mu.Lock()
	s.addrs = addrs
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"addr":            addrs[0].String(),
		"shards":          len(loops),
		"max_connections": s.config.MaxConnections,
	}).Info("server listening")
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		g.Go(func() error {
			return l.run(gctx)
		})
	}
	return g.Wait()
}

func (s *Server) openShards(factory *IdentifierFactory) ([]*loop, error) {
	shards := s.config.Shards
	if shards < 1 {
		shards = 1
	}

	var loops []*loop
	closeAll := func(err error) error {
		for _, l := range loops {
			err = multierr.Append(err, multierr.Combine(l.ln.Close(), l.reactor.Close()))
		}
		return err
	}

	addr := s.config.Addr
	for i := 0; i < shards; i++ {
		ln, err := s.listen(addr, shards > 1)
		if err != nil {
			return nil, closeAll(errors.Wrapf(err, "shard %d", i))
		}
		r, err := s.newReactor(s.config.MaxEvents)
		if err != nil {
			return nil, closeAll(multierr.Append(errors.Wrapf(err, "shard %d reactor", i), ln.Close()))
		}

		pool := NewIdentifierPool(s.config.ShardCapacity(i), factory)
		loops = append(loops, newLoop(i, s, ln, r, pool))

		// With an ephemeral port the remaining shards must join the port the
		// first one was given.
		if i == 0 && shards > 1 {
			addr = ln.Addr().String()
		}
	}
	return loops, nil
}
