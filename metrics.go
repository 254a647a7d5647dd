package warden

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connsTotal     prometheus.Counter
	activeConns    prometheus.Gauge
	requestsTotal  *prometheus.CounterVec
	verdictsTotal  *prometheus.CounterVec
	upstreamErrors prometheus.Counter
	storeErrors    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &metrics{
		connsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_connections_total",
			Help: "Accepted client connections.",
		}),
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warden_connections_active",
			Help: "Client connections currently being served.",
		}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_requests_total",
			Help: "Requests by policy decision.",
		}, []string{"decision"}),
		verdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_verdicts_total",
			Help: "Review outcomes by result.",
		}, []string{"result"}),
		upstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_upstream_errors_total",
			Help: "Failed upstream connects and reads.",
		}),
		storeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_store_errors_total",
			Help: "Store facade failures.",
		}),
	}
}
