package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	LiveConnections prometheus.Gauge
	OpenRooms       prometheus.Gauge
	EventsPublished prometheus.Counter
	AuthFailures    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kanban_ws_connections",
			Help: "Websocket connections currently open.",
		}),
		OpenRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kanban_ws_rooms",
			Help: "Board rooms with at least one connection.",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "kanban_ws_events_published_total",
			Help: "Events fanned out to room members.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kanban_auth_failures_total",
			Help: "Requests and handshakes rejected by authentication.",
		}),
	}
}
