package metrics

import "github.com/prometheus/client_golang/prometheus"

// ScabbardMetrics instruments one circuit's batch engine: its in-flight
// queue depth and the terminal outcomes of past batches.
type ScabbardMetrics struct {
	InFlightBatches  prometheus.Gauge
	BatchesCommitted prometheus.Counter
	BatchesAborted   prometheus.Counter
}

// NewScabbardMetrics builds and registers a ScabbardMetrics against reg.
// Passing a nil *Registry returns a usable, unregistered ScabbardMetrics.
func NewScabbardMetrics(reg *Registry) *ScabbardMetrics {
	m := &ScabbardMetrics{
		InFlightBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "splinter", Subsystem: "scabbard", Name: "in_flight_batches",
			Help: "Batches queued or awaiting commit/abort.",
		}),
		BatchesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "splinter", Subsystem: "scabbard", Name: "batches_committed_total",
			Help: "Total batches committed.",
		}),
		BatchesAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "splinter", Subsystem: "scabbard", Name: "batches_aborted_total",
			Help: "Total batches aborted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.InFlightBatches, m.BatchesCommitted, m.BatchesAborted)
	}
	return m
}
