package monitoring

import (
	"charstream/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder on the default
// Prometheus registry.
type PrometheusCollector struct {
	queueJoinsTotal     prometheus.Counter
	queueGrantsTotal    prometheus.Counter
	queueWaitSeconds    prometheus.Histogram
	heartbeatsTotal     prometheus.Counter
	pollFailuresTotal   *prometheus.CounterVec
	sessionStatus       *prometheus.GaugeVec
	peerStateChanges    *prometheus.CounterVec
	iceGatherDuration   prometheus.Histogram
	signalingRoundTrips *prometheus.HistogramVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		queueJoinsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "charstream_queue_joins_total",
			Help: "Total number of admission queue joins",
		}),

		queueGrantsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "charstream_queue_grants_total",
			Help: "Total number of compute slot grants",
		}),

		queueWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "charstream_queue_wait_seconds",
			Help:    "Time spent in the admission queue before a grant",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		heartbeatsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "charstream_queue_heartbeats_total",
			Help: "Total number of queue keep-alive heartbeats sent",
		}),

		pollFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "charstream_poll_failures_total",
			Help: "Total number of failed queue poll requests",
		}, []string{"loop"}),

		sessionStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "charstream_session_status",
			Help: "Current session status (1 for the active status)",
		}, []string{"status"}),

		peerStateChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "charstream_peer_state_changes_total",
			Help: "Peer connection state transitions by direction",
		}, []string{"direction", "state"}),

		iceGatherDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "charstream_ice_gather_duration_seconds",
			Help:    "Time spent waiting for ICE candidate gathering",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3},
		}),

		signalingRoundTrips: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "charstream_signaling_round_trip_seconds",
			Help:    "offer/answer HTTP exchange duration by direction",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"direction"}),
	}
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

func (c *PrometheusCollector) QueueJoined() {
	c.queueJoinsTotal.Inc()
}

func (c *PrometheusCollector) QueueGranted(waitSeconds float64) {
	c.queueGrantsTotal.Inc()
	c.queueWaitSeconds.Observe(waitSeconds)
}

func (c *PrometheusCollector) HeartbeatSent() {
	c.heartbeatsTotal.Inc()
}

func (c *PrometheusCollector) PollFailure(loop string) {
	c.pollFailuresTotal.WithLabelValues(loop).Inc()
}

func (c *PrometheusCollector) SessionStatusChanged(status string) {
	for _, s := range []string{"idle", "connecting", "connected", "error"} {
		v := 0.0
		if s == status {
			v = 1
		}
		c.sessionStatus.WithLabelValues(s).Set(v)
	}
}

func (c *PrometheusCollector) PeerStateChanged(direction, state string) {
	c.peerStateChanges.WithLabelValues(direction, state).Inc()
}

func (c *PrometheusCollector) ICEGatherDuration(seconds float64) {
	c.iceGatherDuration.Observe(seconds)
}

func (c *PrometheusCollector) SignalingRoundTrip(direction string, seconds float64) {
	c.signalingRoundTrips.WithLabelValues(direction).Observe(seconds)
}
