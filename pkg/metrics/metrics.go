// Package metrics exposes Prometheus collectors for datatransfer connections.
//
// A nil *Metrics is valid and records nothing, so connections can call the
// recording methods unconditionally.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "datatransfer").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels

	// Buckets are the handshake duration histogram buckets.
	Buckets []float64

	// Registry receives the collectors (default: prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) { c.Subsystem = subsystem }
}

// WithConstLabels sets labels added to every metric.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithBuckets sets the handshake duration buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

// WithRegistry sets the registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "datatransfer",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the connection collectors.
type Metrics struct {
	framesTotal       *prometheus.CounterVec
	bytesTotal        *prometheus.CounterVec
	integrityFailures prometheus.Counter
	resendRequests    *prometheus.CounterVec
	deferredSends     prometheus.Counter
	delayedQueueDepth prometheus.Gauge
	handshakeDuration *prometheus.HistogramVec
	handshakeFailures *prometheus.CounterVec
	activeConnections prometheus.Gauge
	connectionsTotal  *prometheus.CounterVec
	handlerConflicts  prometheus.Counter
	controlDropped    *prometheus.CounterVec
	pingRTT           prometheus.Histogram
}

// New registers the collectors. Registering twice with the same registry
// panics, as promauto does.
func New(opts ...Option) *Metrics {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}
	}

	return &Metrics{
		framesTotal: factory.NewCounterVec(
			counterOpts("frames_total", "Frames written or read, by direction and frame type."),
			[]string{"direction", "type"}),
		bytesTotal: factory.NewCounterVec(
			counterOpts("bytes_total", "Encoded frame bytes written or read."),
			[]string{"direction"}),
		integrityFailures: factory.NewCounter(
			counterOpts("integrity_failures_total", "Inbound frames that failed hash or decryption checks.")),
		resendRequests: factory.NewCounterVec(
			counterOpts("resend_requests_total", "Resend requests, by direction."),
			[]string{"direction"}),
		deferredSends: factory.NewCounter(
			counterOpts("deferred_sends_total", "Frames placed on the delayed-send queue.")),
		delayedQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "delayed_queue_depth",
			Help:        "Frames waiting on delayed-send queues across all connections.",
			ConstLabels: cfg.ConstLabels,
		}),
		handshakeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "handshake_duration_seconds",
			Help:        "Time from handshake start to cipher installation.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"role", "version"}),
		handshakeFailures: factory.NewCounterVec(
			counterOpts("handshake_failures_total", "Handshake messages rejected or rounds that stalled."),
			[]string{"reason"}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "active_connections",
			Help:        "Open connections.",
			ConstLabels: cfg.ConstLabels,
		}),
		connectionsTotal: factory.NewCounterVec(
			counterOpts("connections_total", "Connections opened, by role."),
			[]string{"role"}),
		handlerConflicts: factory.NewCounter(
			counterOpts("handler_conflicts_total", "Handler registrations refused because another owner holds the type.")),
		controlDropped: factory.NewCounterVec(
			counterOpts("dropped_control_frames_total", "Inbound control frames with no transport handler, by frame type."),
			[]string{"type"}),
		pingRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "ping_rtt_seconds",
			Help:        "Keepalive round trip times.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}),
	}
}

// FrameSent records an outbound frame.
func (m *Metrics) FrameSent(frameType int8, size int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues("out", strconv.Itoa(int(frameType))).Inc()
	m.bytesTotal.WithLabelValues("out").Add(float64(size))
}

// FrameReceived records an inbound frame.
func (m *Metrics) FrameReceived(frameType int8, size int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues("in", strconv.Itoa(int(frameType))).Inc()
	m.bytesTotal.WithLabelValues("in").Add(float64(size))
}

// IntegrityFailure records an inbound frame that failed validation.
func (m *Metrics) IntegrityFailure() {
	if m == nil {
		return
	}
	m.integrityFailures.Inc()
}

// ResendRequested records a resend request sent ("out") or received ("in").
func (m *Metrics) ResendRequested(direction string) {
	if m == nil {
		return
	}
	m.resendRequests.WithLabelValues(direction).Inc()
}

// SendDeferred records a frame entering a delayed-send queue.
func (m *Metrics) SendDeferred() {
	if m == nil {
		return
	}
	m.deferredSends.Inc()
	m.delayedQueueDepth.Inc()
}

// DeferredDrained records frames leaving a delayed-send queue.
func (m *Metrics) DeferredDrained(n int) {
	if m == nil || n == 0 {
		return
	}
	m.delayedQueueDepth.Sub(float64(n))
}

// HandshakeCompleted records a finished handshake round.
func (m *Metrics) HandshakeCompleted(role string, version uint16, d time.Duration) {
	if m == nil {
		return
	}
	m.handshakeDuration.WithLabelValues(role, strconv.Itoa(int(version))).Observe(d.Seconds())
}

// HandshakeFailed records a rejected handshake message or a stall.
func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

// ConnectionOpened records a new connection.
func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(role).Inc()
	m.activeConnections.Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// HandlerConflict records a refused handler registration.
func (m *Metrics) HandlerConflict() {
	if m == nil {
		return
	}
	m.handlerConflicts.Inc()
}

// ControlDropped records an inbound control frame nothing handles.
func (m *Metrics) ControlDropped(frameType int8) {
	if m == nil {
		return
	}
	m.controlDropped.WithLabelValues(strconv.Itoa(int(frameType))).Inc()
}

// PingRTT records a keepalive round trip.
func (m *Metrics) PingRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.pingRTT.Observe(d.Seconds())
}
