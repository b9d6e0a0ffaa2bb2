package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var openHandlesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "goanalytics_pool_handles_open",
	Help: "Number of open handles across all pooled coordinates",
})

var acquiresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "goanalytics_pool_acquires_total",
	Help: "Number of successful handle acquisitions",
})

var connectionsOpenedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "goanalytics_pool_connections_opened_total",
	Help: "Number of cluster connections opened",
})

var authFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "goanalytics_pool_auth_failures_total",
	Help: "Number of acquisitions aborted by an authentication failure",
})
