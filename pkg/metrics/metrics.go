package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded by the relay.
const (
	DropTargetMissing = "target_missing"
	DropQueueOverflow = "queue_overflow"
	DropNotMember     = "not_member"
	DropBadPayload    = "bad_payload"
	DropNotAdmitted   = "not_admitted"
)

// Metrics holds the hub's Prometheus collectors. A nil *Metrics is valid and
// records nothing, so callers never need to guard.
type Metrics struct {
	registry     *prometheus.Registry
	connections  prometheus.Gauge
	rooms        prometheus.Gauge
	participants prometheus.Gauge
	relayed      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	throttled    prometheus.Counter
}

// New builds the collectors and registers them on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "meetsync"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live control connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one participant.",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Participants across all rooms.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Messages enqueued to recipients, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound or outbound messages discarded, by reason.",
		}, []string{"reason"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_throttled_total",
			Help:      "Inbound messages held back by the per-connection rate limit.",
		}),
	}
	m.registry.MustRegister(m.connections, m.rooms, m.participants, m.relayed, m.dropped, m.throttled)
	return m
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// SetOccupancy records the registry's current room and participant counts.
func (m *Metrics) SetOccupancy(rooms, participants int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(rooms))
	m.participants.Set(float64(participants))
}

func (m *Metrics) Relayed(msgType string, recipients int) {
	if m == nil || recipients == 0 {
		return
	}
	m.relayed.WithLabelValues(msgType).Add(float64(recipients))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
