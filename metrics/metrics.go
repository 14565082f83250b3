// Package metrics holds the Prometheus collectors for the live tracking
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "checkin_live"

type Metrics struct {
	EntriesIngested *prometheus.CounterVec
	EntriesDropped  *prometheus.CounterVec
	ActiveUsers     prometheus.Gauge
	Evictions       *prometheus.CounterVec
	SinkEvents      *prometheus.CounterVec
	InternalErrors  prometheus.Counter
}

// New registers the pipeline collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EntriesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_ingested_total",
			Help:      "Tracking entries accepted by the live aggregator.",
		}, []string{"kind", "type"}),
		EntriesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_dropped_total",
			Help:      "Tracking entries rejected at ingestion.",
		}, []string{"kind"}),
		ActiveUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_users",
			Help:      "Identities currently tracked as present.",
		}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Entries removed by the eviction sweep.",
		}, []string{"kind"}),
		SinkEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_events_total",
			Help:      "Events handed to the persistent sinks, by outcome.",
		}, []string{"sink", "result"}),
		InternalErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "internal_errors_total",
			Help:      "Recovered faults inside the live aggregator.",
		}),
	}
}
