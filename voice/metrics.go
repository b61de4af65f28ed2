package voice

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relayvoice/relayvoice/voice/packet"
)

const metricsNamespace = "relayvoice"

// Metrics holds the Prometheus collectors updated by sessions. One Metrics
// can be shared by many sessions.
type Metrics struct {
	PacketsSent     *prometheus.CounterVec
	PacketsReceived prometheus.Counter
	DecryptFailures prometheus.Counter
	Reconnects      prometheus.Counter
	SessionsActive  prometheus.Gauge
	PacingLateness  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PacketsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_sent_total",
			Help:      "RTP packets sent to the relay.",
		}, []string{"kind"}),
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "RTP packets received and decrypted.",
		}),
		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decrypt_failures_total",
			Help:      "Received packets that failed to decrypt.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Full reconnects after a voice server change.",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Connected voice sessions.",
		}),
		PacingLateness: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "pacing_lateness_seconds",
			Help:      "How late frames were sent relative to their deadline.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .02, .05, .1},
		}, []string{"kind"}),
	}
}

// defaultMetrics is used by sessions created without Metrics.
var defaultMetrics = NewMetrics(nil)

func (m *Metrics) sent(kind packet.Kind) prometheus.Counter {
	return m.PacketsSent.WithLabelValues(kind.String())
}

func (m *Metrics) lateness(kind packet.Kind) prometheus.Observer {
	return m.PacingLateness.WithLabelValues(kind.String())
}
