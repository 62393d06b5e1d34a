package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaychat/relay/pkg/protocol"
)

// Metrics tracks server counters exposed on the internal /metrics endpoint
type Metrics struct {
	registry *prometheus.Registry

	activeSessions      prometheus.Gauge
	messagesReceived    *prometheus.CounterVec
	messagesBroadcast   prometheus.Counter
	messagesPersisted   prometheus.Counter
	persistFailures     prometheus.Counter
	framesDropped       prometheus.Counter
	overflowDisconnects prometheus.Counter
	errorsSent          *prometheus.CounterVec
}

// NewMetrics creates a metrics set on its own registry so multiple server
// instances in one process (tests) never collide.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Messages received from clients, by type",
		}, []string{"type"}),
		messagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_broadcast_total",
			Help: "Messages accepted by the broadcast authority",
		}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_persisted_total",
			Help: "Text messages durably written to storage",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_persist_failures_total",
			Help: "Storage write failures reported back to senders",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Outbound frames dropped for slow consumers",
		}),
		overflowDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_overflow_disconnects_total",
			Help: "Sessions disconnected because their outbound queue overflowed",
		}),
		errorsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_sent_total",
			Help: "Error messages sent to clients, by severity",
		}, []string{"severity"}),
	}

	registry.MustRegister(
		m.activeSessions,
		m.messagesReceived,
		m.messagesBroadcast,
		m.messagesPersisted,
		m.persistFailures,
		m.framesDropped,
		m.overflowDisconnects,
		m.errorsSent,
	)
	return m
}

// Handler returns the HTTP handler for /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordBroadcast() {
	m.messagesBroadcast.Inc()
}

func (m *Metrics) RecordPersisted() {
	m.messagesPersisted.Inc()
}

func (m *Metrics) RecordPersistFailure() {
	m.persistFailures.Inc()
}

func (m *Metrics) RecordFrameDropped() {
	m.framesDropped.Inc()
}

func (m *Metrics) RecordOverflowDisconnect() {
	m.overflowDisconnects.Inc()
}

func (m *Metrics) RecordErrorSent(severity string) {
	m.errorsSent.WithLabelValues(severity).Inc()
}

// messageTypeToString names client message types for the received counter
func messageTypeToString(t uint8) string {
	switch t {
	case protocol.TypeText:
		return "TEXT"
	case protocol.TypeFile:
		return "FILE"
	case protocol.TypeImage:
		return "IMAGE"
	case protocol.TypeSetUsername:
		return "SET_USERNAME"
	case protocol.TypeSetColor:
		return "SET_COLOR"
	case protocol.TypeLogin:
		return "LOGIN"
	case protocol.TypeRegister:
		return "REGISTER"
	case protocol.TypeQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}
