// Package metrics exposes Prometheus instrumentation for the bridge and the
// scatter-gather coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_consumed_total",
		Help: "Broker deliveries handled, by exchange.",
	}, []string{"exchange"})

	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_dropped_total",
		Help: "Broker deliveries dropped as undecodable, by exchange.",
	}, []string{"exchange"})

	PublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_published_total",
		Help: "Messages published to the broker, by exchange.",
	}, []string{"exchange"})

	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_membership_queries_total",
		Help: "Global membership queries, by resolution path.",
	}, []string{"outcome"})
)

// Handler exposes the default registry at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
