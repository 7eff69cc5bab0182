// Package metrics exposes Prometheus collectors for the chat server.
//
// All methods are safe to call on a nil *Metrics, so components can run
// without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pipechat"

// Metrics holds every collector the server reports
type Metrics struct {
	eventsReceived   *prometheus.CounterVec
	eventsSent       *prometheus.CounterVec
	handlerResults   *prometheus.CounterVec
	handlerPanics    *prometheus.CounterVec
	receiveFailures  *prometheus.CounterVec
	framesDropped    prometheus.Counter
	peersEvicted     prometheus.Counter
	connectedPeers   prometheus.Gauge
	peersTotal       prometheus.Counter
	peersRejected    prometheus.Counter
	boundUsers       prometheus.Gauge
	channels         prometheus.Gauge
	channelsRemoved  prometheus.Counter
	messagesAccepted prometheus.Counter
}

// NewMetrics registers all collectors on reg. Pass prometheus.DefaultRegisterer
// to expose them through promhttp.Handler, or a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Envelopes dispatched, by event name",
		}, []string{"event"}),
		eventsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Envelopes handed to the transport, by event name and delivery mode",
		}, []string{"event", "mode"}),
		handlerResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_results_total",
			Help:      "Handler invocations, by event name and result",
		}, []string{"event", "result"}),
		handlerPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Handler invocations that panicked and were recovered",
		}, []string{"event"}),
		receiveFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_failures_total",
			Help:      "Inbound payloads dropped before dispatch, by stage",
		}, []string{"stage"}),
		framesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unreliable_frames_dropped_total",
			Help:      "Unreliable frames dropped because a peer queue was full",
		}),
		peersEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_evicted_total",
			Help:      "Peers disconnected because a reliable frame could not be queued",
		}),
		connectedPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Currently connected transport peers",
		}),
		peersTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_connected_total",
			Help:      "Transport peers accepted since start",
		}),
		peersRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_rejected_total",
			Help:      "Connections refused because the peer limit was reached",
		}),
		boundUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bound_users",
			Help:      "Users currently bound to a connection",
		}),
		channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels",
			Help:      "Live channels including the global channel",
		}),
		channelsRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_removed_total",
			Help:      "Empty non-global channels garbage collected",
		}),
		messagesAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages appended to channel history",
		}),
	}
}

func (m *Metrics) RecordEventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordEventSent(event, mode string) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(event, mode).Inc()
}

// RecordHandlerResult counts a handler's boolean return
func (m *Metrics) RecordHandlerResult(event string, handled bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if handled {
		result = "handled"
	}
	m.handlerResults.WithLabelValues(event, result).Inc()
}

func (m *Metrics) RecordHandlerPanic(event string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(event).Inc()
}

// RecordReceiveFailure counts a dropped inbound payload. Stage is "decrypt" or "decode".
func (m *Metrics) RecordReceiveFailure(stage string) {
	if m == nil {
		return
	}
	m.receiveFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) RecordPeerEvicted() {
	if m == nil {
		return
	}
	m.peersEvicted.Inc()
}

func (m *Metrics) RecordPeerConnected() {
	if m == nil {
		return
	}
	m.peersTotal.Inc()
	m.connectedPeers.Inc()
}

func (m *Metrics) RecordPeerDisconnected() {
	if m == nil {
		return
	}
	m.connectedPeers.Dec()
}

func (m *Metrics) RecordPeerRejected() {
	if m == nil {
		return
	}
	m.peersRejected.Inc()
}

func (m *Metrics) SetBoundUsers(n int) {
	if m == nil {
		return
	}
	m.boundUsers.Set(float64(n))
}

func (m *Metrics) SetChannels(n int) {
	if m == nil {
		return
	}
	m.channels.Set(float64(n))
}

func (m *Metrics) RecordChannelsRemoved(n int) {
	if m == nil {
		return
	}
	m.channelsRemoved.Add(float64(n))
}

func (m *Metrics) RecordChatMessage() {
	if m == nil {
		return
	}
	m.messagesAccepted.Inc()
}
