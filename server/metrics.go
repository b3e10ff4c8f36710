package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Close reasons used as the "reason" label.
const (
	reasonPeerClosed = "peer_closed"
	reasonIOError    = "io_error"
	reasonMalformed  = "malformed"
	reasonTimeout    = "timeout"
	reasonShutdown   = "shutdown"
	reasonRequested  = "requested"
)

// Metrics records connection and framing activity.
type Metrics interface {
	ConnectionAccepted()
	ConnectionRejected()
	ConnectionClosed(reason string)
	RequestFramed(size int)
	MalformedFrame()
	BytesRead(n int)
}

type noopMetrics struct{}

// NewNoopMetrics returns a Metrics that records nothing.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) ConnectionAccepted()     {}
func (noopMetrics) ConnectionRejected()     {}
func (noopMetrics) ConnectionClosed(string) {}
func (noopMetrics) RequestFramed(int)       {}
func (noopMetrics) MalformedFrame()         {}
func (noopMetrics) BytesRead(int)           {}

type promMetrics struct {
	accepted      prometheus.Counter
	rejected      prometheus.Counter
	closed        *prometheus.CounterVec
	active        prometheus.Gauge
	framed        prometheus.Counter
	requestSize   prometheus.Histogram
	malformed     prometheus.Counter
	bytesReceived prometheus.Counter
}

// NewPrometheusMetrics registers the server's collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) Metrics {
	f := promauto.With(reg)
	return &promMetrics{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Name: "rawepoll_connections_accepted_total",
			Help: "Connections accepted and registered with the reactor",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "rawepoll_connections_rejected_total",
			Help: "Listener wakeups that accepted nothing because no identifier was available",
		}),
		closed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rawepoll_connections_closed_total",
			Help: "Connections closed, by reason",
		}, []string{"reason"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "rawepoll_connections_active",
			Help: "Currently open connections",
		}),
		framed: f.NewCounter(prometheus.CounterOpts{
			Name: "rawepoll_requests_framed_total",
			Help: "Complete requests split off connection buffers",
		}),
		requestSize: f.NewHistogram(prometheus.HistogramOpts{
			Name: "rawepoll_request_size_bytes",
			Help: "Size of framed requests including body",
			Buckets: []float64{
				256,     // 256B
				1024,    // 1KB
				4096,    // 4KB
				65536,   // 64KB
				1048576, // 1MB
			},
		}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Name: "rawepoll_malformed_frames_total",
			Help: "Connections closed because their bytes could not be framed",
		}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "rawepoll_bytes_read_total",
			Help: "Bytes read from client sockets",
		}),
	}
}

func (m *promMetrics) ConnectionAccepted() {
	m.accepted.Inc()
	m.active.Inc()
}

func (m *promMetrics) ConnectionRejected() { m.rejected.Inc() }

func (m *promMetrics) ConnectionClosed(reason string) {
	m.closed.WithLabelValues(reason).Inc()
	m.active.Dec()
}

func (m *promMetrics) RequestFramed(size int) {
	m.framed.Inc()
	m.requestSize.Observe(float64(size))
}

func (m *promMetrics) MalformedFrame() { m.malformed.Inc() }

func (m *promMetrics) BytesRead(n int) { m.bytesReceived.Add(float64(n)) }
