// Package metrics holds the node's Prometheus collectors, registered on a
// dedicated registry served at /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "federatr"

// Registry is the registry for all node metrics
var Registry = prometheus.NewRegistry()

// EventsReceived counts inbound events by what became of them: invalid,
// duplicate, accepted, blocked or canceled.
var EventsReceived = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Inbound events by pipeline outcome",
	},
	[]string{"outcome"},
)

// BranchFailures counts side effects that failed, by branch name.
var BranchFailures = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_branch_failures_total",
		Help:      "Pipeline side effects that returned an error or panicked",
	},
	[]string{"branch"},
)

var PipelineDuration = promauto.With(Registry).NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_duration_seconds",
		Help:      "Time to fully process one inbound event",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	},
)

var Subscriptions = promauto.With(Registry).NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions_active",
		Help:      "Live subscriptions held by the registry",
	},
)

var LiveDeliveries = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "live_deliveries_total",
		Help:      "Events pushed to live subscriptions, and those dropped for slow consumers",
	},
	[]string{"result"},
)

var FederatedQueryDuration = promauto.With(Registry).NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "federated_query_duration_seconds",
		Help:      "Duration of queries against peer relays",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	},
	[]string{"result"},
)

// StoreRoute counts composite store lookups by the backend that answered.
var StoreRoute = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_route_total",
		Help:      "Composite store lookups by answering backend",
	},
	[]string{"backend"},
)

var runtimeOnce sync.Once

// Handler serves the registry, adding Go runtime and process collectors on
// first use.
func Handler() http.Handler {
	runtimeOnce.Do(func() {
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{}))
	})
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
