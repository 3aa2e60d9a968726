// Package metrics is the shared prometheus.Collector registry: every
// component that runs a background goroutine registers a gauge of its live
// resources and a counter of its terminal outcomes here. Nothing in this
// package stands up an HTTP /metrics endpoint; cmd/splinterd owns handing
// the *Registry's prometheus.Registry to whatever scrape surface an
// operator wires up.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry wraps a prometheus.Registry so components register collectors
// against a single handle passed down from cmd/splinterd, rather than
// reaching for the global default registry.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// Prometheus returns the underlying prometheus.Registry, for a scrape
// handler or push-gateway client wired up above this package.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// MustRegister registers one or more collectors, panicking on a duplicate
// or inconsistent registration (a programmer error caught at startup, not a
// runtime condition to recover from).
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}
