package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ws"

// Frame kinds counted by frames_sent_total.
const (
	kindEmit      = "emit"
	kindBroadcast = "broadcast"
	kindRoom      = "room"
	kindReply     = "reply"
)

// metrics holds the Prometheus collectors of one Server.
type metrics struct {
	connectionsActive prometheus.Gauge
	roomsActive       prometheus.Gauge
	framesReceived    prometheus.Counter
	framesSent        *prometheus.CounterVec
	framesInvalid     prometheus.Counter
	pendingReplies    *prometheus.CounterVec
	pendingDuration   prometheus.Histogram
	rateLimited       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rooms_active",
			Help:      "Number of rooms with at least one member",
		}),

		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Total number of frames received from clients",
		}),

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames queued for clients",
		}, []string{"kind"}),

		framesInvalid: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_invalid_total",
			Help:      "Total number of received frames that are not valid envelopes",
		}),

		pendingReplies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pending_replies_total",
			Help:      "Total number of pending calls answered by responders",
		}, []string{"status"}),

		pendingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "pending_duration_seconds",
			Help:      "Time spent by pending responders",
			Buckets:   prometheus.DefBuckets,
		}),

		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Total number of connections closed for exceeding the rate limit",
		}),
	}
}

func (m *metrics) sent(kind string, n int) {
	if n > 0 {
		m.framesSent.WithLabelValues(kind).Add(float64(n))
	}
}
