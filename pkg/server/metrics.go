package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the synchronization server.
type Metrics struct {
	connectionsActive  *prometheus.GaugeVec
	connectionsTotal   *prometheus.CounterVec
	connectionsEvicted prometheus.Counter
	framesIn           *prometheus.CounterVec
	framesOut          *prometheus.CounterVec
	sessionsActive     prometheus.Gauge
	sessionsTotal      prometheus.Counter
	persistenceErrors  prometheus.Counter
}

// NewMetrics registers the server metrics with the given registerer. A nil
// registerer falls back to the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		connectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coedit",
			Name:      "connections_active",
			Help:      "Currently open connections by endpoint.",
		}, []string{"endpoint"}),
		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "connections_total",
			Help:      "Connections accepted since start, by endpoint.",
		}, []string{"endpoint"}),
		connectionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "connections_evicted_total",
			Help:      "Connections removed by the heartbeat monitor.",
		}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "frames_in_total",
			Help:      "Frames received, by message type.",
		}, []string{"type"}),
		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "frames_out_total",
			Help:      "Frames sent, by message type.",
		}, []string{"type"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coedit",
			Name:      "sessions_active",
			Help:      "Document sessions currently in the registry.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "sessions_total",
			Help:      "Document sessions created since start.",
		}),
		persistenceErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "persistence_errors_total",
			Help:      "Failed persistence operations.",
		}),
	}
}
