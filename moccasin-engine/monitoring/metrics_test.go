package monitoring

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordConnection(true)
		m.RecordConnectionFailure()
		m.RecordDisconnect()
		m.SetPeers(3)
		m.RecordFrameSent("chat")
		m.RecordFrameReceived("chat")
		m.RecordFrameDropped()
		m.RecordDecodeError()
		m.RecordQuery()
		m.RecordResponse()
		m.RecordCandidate()
		m.RecordMalformedPacket()
		m.UpdateDialPool(1, 2)
	})
}

func TestConnectionMetrics(t *testing.T) {
	m := NewMetrics("moccasin", prometheus.NewRegistry())

	m.RecordConnection(true)
	m.RecordConnection(false)
	m.RecordConnection(false)
	m.RecordDisconnect()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("outbound")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("inbound")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Peers))

	m.SetPeers(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Peers))
}

func TestFrameMetricsExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("moccasin", reg)

	m.RecordFrameSent("chat")
	m.RecordFrameSent("chat")
	m.RecordFrameSent("broadcast")

	expected := `
# HELP moccasin_frames_sent_total Total frames written to peers by channel (unsubscribed channels count as other)
# TYPE moccasin_frames_sent_total counter
moccasin_frames_sent_total{channel="broadcast"} 1
moccasin_frames_sent_total{channel="chat"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "moccasin_frames_sent_total"))
}

func TestNewMetricsRejectsDuplicateNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics("moccasin", reg)

	assert.Panics(t, func() { NewMetrics("moccasin", reg) })
}
