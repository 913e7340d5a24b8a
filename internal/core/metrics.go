package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the hub's prometheus instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	clients   prometheus.Gauge
	rooms     prometheus.Gauge
	published *prometheus.CounterVec
	delivered prometheus.Counter
	evicted   prometheus.Counter
}

// NewMetrics creates the hub instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wirechat",
			Subsystem: "hub",
			Name:      "clients",
			Help:      "Connections currently registered with the hub.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wirechat",
			Subsystem: "hub",
			Name:      "rooms",
			Help:      "Chat rooms with at least one member.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wirechat",
			Subsystem: "hub",
			Name:      "updates_published_total",
			Help:      "Chat updates published, by kind.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wirechat",
			Subsystem: "hub",
			Name:      "events_delivered_total",
			Help:      "Events placed on client buffers.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wirechat",
			Subsystem: "hub",
			Name:      "clients_evicted_total",
			Help:      "Connections dropped because their buffer was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.clients, m.rooms, m.published, m.delivered, m.evicted)
	}
	return m
}

func (m *Metrics) setSizes(clients, rooms int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(clients))
	m.rooms.Set(float64(rooms))
}

func (m *Metrics) incPublished(kind UpdateKind) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) addDelivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.Add(float64(n))
}

func (m *Metrics) incEvicted() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}
