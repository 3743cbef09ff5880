// ABOUTME: Prometheus collectors for connections, frames, events, and presence
// ABOUTME: Registers on a dedicated registry exposed via Handler

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the fabric records. All recorder
// methods tolerate a nil receiver so wiring metrics stays optional.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	framesIn          prometheus.Counter
	framesOut         prometheus.Counter
	eventsPublished   *prometheus.CounterVec
	onlineUsers       prometheus.Gauge
	commands          *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "talkwire_connections_active",
			Help: "Number of currently open client connections",
		}),
		framesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkwire_frames_in_total",
			Help: "Total inbound frames read from clients",
		}),
		framesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkwire_frames_out_total",
			Help: "Total outbound frames written to clients",
		}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkwire_events_published_total",
			Help: "Total events published on the bus by subject kind",
		}, []string{"subject_kind"}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "talkwire_online_users",
			Help: "Number of subs with at least one live connection on this node",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkwire_commands_total",
			Help: "Total dispatched commands by type and result",
		}, []string{"type", "result"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) FrameIn() {
	if m == nil {
		return
	}
	m.framesIn.Inc()
}

func (m *Metrics) FrameOut() {
	if m == nil {
		return
	}
	m.framesOut.Inc()
}

// EventPublished records a bus publish under its subject kind
// ("noti" or "messages").
func (m *Metrics) EventPublished(subjectKind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(subjectKind).Inc()
}

func (m *Metrics) UserOnline() {
	if m == nil {
		return
	}
	m.onlineUsers.Inc()
}

func (m *Metrics) UserOffline() {
	if m == nil {
		return
	}
	m.onlineUsers.Dec()
}

// CommandHandled records a dispatched command and how it ended
// ("ok", "error", or "ignored").
func (m *Metrics) CommandHandled(commandType, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(commandType, result).Inc()
}
