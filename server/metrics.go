package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ws-server/callback"
	"ws-server/engine"
)

const metricsNamespace = "ws_server"

// Metrics holds the Prometheus collectors of a Server. A nil *Metrics
// records nothing.
type Metrics struct {
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRefused  prometheus.Counter
	disconnectionsTotal *prometheus.CounterVec
	messagesReceived    *prometheus.CounterVec
	callbacksTotal      *prometheus.CounterVec
	callbackDuration    *prometheus.HistogramVec
	broadcastsTotal     prometheus.Counter
}

// newMetrics registers the collectors with reg. A nil reg disables
// metrics.
func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)

	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of currently open connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total connections opened",
		}),
		connectionsRefused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_refused_total",
			Help:      "Connections refused by the max connections cap",
		}),
		disconnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnections_total",
			Help:      "Total disconnections by reason",
		}, []string{"reason"}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Messages received from clients by type",
		}, []string{"type"}),
		callbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "callbacks_total",
			Help:      "Host callbacks invoked by slot",
		}, []string{"kind"}),
		callbackDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "callback_duration_seconds",
			Help:      "Time spent inside host callbacks",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"kind"}),
		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts requested by the host",
		}),
	}
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) connectionClosed(reason string) {
	if m == nil {
		return
	}
	label := "other"
	if reason == timeoutReason {
		label = "timeout"
	}
	m.connectionsActive.Dec()
	m.disconnectionsTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) connectionRefused() {
	if m == nil {
		return
	}
	m.connectionsRefused.Inc()
}

func (m *Metrics) messageReceived(t engine.MessageType) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) callbackInvoked(kind callback.Kind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.callbacksTotal.WithLabelValues(kind.String()).Inc()
	m.callbackDuration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) broadcast() {
	if m == nil {
		return
	}
	m.broadcastsTotal.Inc()
}
