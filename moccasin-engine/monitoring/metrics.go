package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the peer network.
//
// All Record methods are safe to call on a nil *Metrics so components can be
// built without instrumentation.
type Metrics struct {
	// Peer metrics
	Peers              prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionFailures prometheus.Counter
	DisconnectsTotal   prometheus.Counter

	// Frame metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FramesDropped  prometheus.Counter
	DecodeErrors   prometheus.Counter

	// Discovery metrics
	DiscoveryQueries   prometheus.Counter
	DiscoveryResponses prometheus.Counter
	CandidatesSeen     prometheus.Counter
	MalformedPackets   prometheus.Counter

	// Dial pool metrics
	DialPoolActive  prometheus.Gauge
	DialPoolPending prometheus.Gauge
}

// NewMetrics registers the network metrics with reg under namespace. A nil
// reg registers with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Current number of connected peers",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total peer connections established by direction",
		}, []string{"direction"}),
		ConnectionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Total outbound connection attempts that failed",
		}),
		DisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total peer connections closed",
		}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames written to peers by channel (unsubscribed channels count as other)",
		}, []string{"channel"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames decoded from peers by channel (unsubscribed channels count as other)",
		}, []string{"channel"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames with no subscribed channel handler",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total malformed frames received",
		}),

		DiscoveryQueries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_queries_total",
			Help:      "Total mDNS queries sent",
		}),
		DiscoveryResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_responses_total",
			Help:      "Total mDNS responses sent",
		}),
		CandidatesSeen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_candidates_total",
			Help:      "Total candidate records received for the network",
		}),
		MalformedPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_malformed_packets_total",
			Help:      "Total multicast packets that failed to parse",
		}),

		DialPoolActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dial_pool_active",
			Help:      "Number of dials in progress",
		}),
		DialPoolPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dial_pool_pending",
			Help:      "Number of dials waiting for a worker",
		}),
	}
}

// RecordConnection records an established connection.
func (m *Metrics) RecordConnection(outbound bool) {
	if m == nil {
		return
	}
	direction := "inbound"
	if outbound {
		direction = "outbound"
	}
	m.ConnectionsTotal.WithLabelValues(direction).Inc()
	m.Peers.Inc()
}

// RecordConnectionFailure records a failed outbound connection attempt.
func (m *Metrics) RecordConnectionFailure() {
	if m == nil {
		return
	}
	m.ConnectionFailures.Inc()
}

// RecordDisconnect records a closed connection.
func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.DisconnectsTotal.Inc()
	m.Peers.Dec()
}

// SetPeers sets the connected peer gauge.
func (m *Metrics) SetPeers(count int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(count))
}

// ChannelOther is the channel label shared by frames on channels that have
// no series of their own.
const ChannelOther = "other"

// RecordFrameSent records a frame written on channel.
func (m *Metrics) RecordFrameSent(channel string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(channel).Inc()
}

// RecordFrameReceived records a frame decoded on channel.
func (m *Metrics) RecordFrameReceived(channel string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(channel).Inc()
}

// RecordFrameDropped records a frame nobody was subscribed to.
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordDecodeError records a malformed frame.
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordQuery records a sent discovery query.
func (m *Metrics) RecordQuery() {
	if m == nil {
		return
	}
	m.DiscoveryQueries.Inc()
}

// RecordResponse records a sent discovery response.
func (m *Metrics) RecordResponse() {
	if m == nil {
		return
	}
	m.DiscoveryResponses.Inc()
}

// RecordCandidate records a candidate record received.
func (m *Metrics) RecordCandidate() {
	if m == nil {
		return
	}
	m.CandidatesSeen.Inc()
}

// RecordMalformedPacket records a multicast packet that failed to parse.
func (m *Metrics) RecordMalformedPacket() {
	if m == nil {
		return
	}
	m.MalformedPackets.Inc()
}

// UpdateDialPool updates the dial pool gauges.
func (m *Metrics) UpdateDialPool(active int64, pending int) {
	if m == nil {
		return
	}
	m.DialPoolActive.Set(float64(active))
	m.DialPoolPending.Set(float64(pending))
}
