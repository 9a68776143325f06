// Package metrics exposes the relay counters and gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

type Metrics struct {
	registry *prometheus.Registry

	roomCount         prometheus.Gauge
	connections       prometheus.Gauge
	connectionsTotal  prometheus.Counter
	kicksTotal        prometheus.Counter
	sentMessages      prometheus.Counter
	unknownMessages   prometheus.Counter
	droppedUnreliable prometheus.Counter
	buildInfo         *prometheus.GaugeVec
}

// Snapshot is a point-in-time copy of the relay metrics.
type Snapshot struct {
	Rooms             float64 `json:"rooms"`
	Connections       float64 `json:"connections"`
	ConnectionsTotal  float64 `json:"connections_total"`
	Kicks             float64 `json:"kicks"`
	SentMessages      float64 `json:"sent_messages"`
	UnknownMessages   float64 `json:"unknown_messages"`
	DroppedUnreliable float64 `json:"dropped_unreliable"`
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		roomCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcl_ws_rooms_count",
			Help: "Current amount of rooms",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcl_ws_rooms_connections",
			Help: "Current amount of connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcl_ws_rooms_connections_total",
			Help: "Total amount of connections",
		}),
		kicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcl_ws_rooms_kicks_total",
			Help: "Total amount of kicked players",
		}),
		sentMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcl_ws_rooms_sent_messages_total",
			Help: "Total amount of messages sent to peers",
		}),
		unknownMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcl_ws_rooms_unknown_sent_messages_total",
			Help: "Total amount of unknown messages",
		}),
		droppedUnreliable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcl_ws_rooms_dropped_unreliable_messages_total",
			Help: "Total amount of unreliable messages dropped because of backpressure",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mini_comms_build_info",
			Help: "Mini comms build info.",
		}, []string{"commitHash", "ethNetwork"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.roomCount,
		m.connections,
		m.connectionsTotal,
		m.kicksTotal,
		m.sentMessages,
		m.unknownMessages,
		m.droppedUnreliable,
		m.buildInfo,
	)

	return m
}

func (m *Metrics) SetRoomCount(n int)       { m.roomCount.Set(float64(n)) }
func (m *Metrics) SetConnectionCount(n int) { m.connections.Set(float64(n)) }
func (m *Metrics) IncConnectionsTotal()     { m.connectionsTotal.Inc() }
func (m *Metrics) IncKicks()                { m.kicksTotal.Inc() }
func (m *Metrics) IncSentMessages()         { m.sentMessages.Inc() }
func (m *Metrics) IncUnknownMessages()      { m.unknownMessages.Inc() }
func (m *Metrics) IncDroppedUnreliable()    { m.droppedUnreliable.Inc() }

// ObserveBuildInfo publishes the running commit and network as labels of a
// constant gauge.
func (m *Metrics) ObserveBuildInfo(commitHash, ethNetwork string) {
	m.buildInfo.WithLabelValues(commitHash, ethNetwork).Set(1)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Rooms:             read(m.roomCount),
		Connections:       read(m.connections),
		ConnectionsTotal:  read(m.connectionsTotal),
		Kicks:             read(m.kicksTotal),
		SentMessages:      read(m.sentMessages),
		UnknownMessages:   read(m.unknownMessages),
		DroppedUnreliable: read(m.droppedUnreliable),
	}
}

func read(c prometheus.Metric) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	return 0
}
