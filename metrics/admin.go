package metrics

import "github.com/prometheus/client_golang/prometheus"

// AdminMetrics instruments the circuit admin service: the proposal store's
// current backlog and the terminal outcomes reached for past proposals.
type AdminMetrics struct {
	PendingProposals   prometheus.Gauge
	ProposalsCommitted prometheus.Counter
	ProposalsRejected  prometheus.Counter
}

// NewAdminMetrics builds and registers an AdminMetrics against reg. Passing
// a nil *Registry returns a usable, unregistered AdminMetrics so callers in
// tests don't need a registry at all.
func NewAdminMetrics(reg *Registry) *AdminMetrics {
	m := &AdminMetrics{
		PendingProposals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "splinter", Subsystem: "admin", Name: "pending_proposals",
			Help: "Number of circuit proposals awaiting unanimous approval.",
		}),
		ProposalsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "splinter", Subsystem: "admin", Name: "proposals_committed_total",
			Help: "Total circuit proposals committed.",
		}),
		ProposalsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "splinter", Subsystem: "admin", Name: "proposals_rejected_total",
			Help: "Total circuit proposals rejected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PendingProposals, m.ProposalsCommitted, m.ProposalsRejected)
	}
	return m
}
