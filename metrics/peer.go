package metrics

import "github.com/prometheus/client_golang/prometheus"

// PeerMetrics instruments the peer manager and connection manager: live
// connection counts and authorization outcomes.
type PeerMetrics struct {
	ConnectedPeers         prometheus.Gauge
	PendingConnections     prometheus.Gauge
	AuthorizationsRejected prometheus.Counter
}

// NewPeerMetrics builds and registers a PeerMetrics against reg. Passing a
// nil *Registry returns a usable, unregistered PeerMetrics.
func NewPeerMetrics(reg *Registry) *PeerMetrics {
	m := &PeerMetrics{
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "splinter", Subsystem: "peer", Name: "connected_peers",
			Help: "Peers currently in the Connected state.",
		}),
		PendingConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "splinter", Subsystem: "peer", Name: "pending_connections",
			Help: "Connections currently being established or reconnected.",
		}),
		AuthorizationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "splinter", Subsystem: "peer", Name: "authorizations_rejected_total",
			Help: "Total inbound authorization attempts rejected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ConnectedPeers, m.PendingConnections, m.AuthorizationsRejected)
	}
	return m
}
