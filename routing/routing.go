// Package routing implements the routing table: the
// authoritative map from circuit to its members and services, kept under a
// single reader-writer lock. Batch writers take one lock acquisition for
// the whole batch, following the familiar single-bolt-transaction style
// (db.Update(func(tx *bolt.Tx) error {...}) wrapping many puts in one
// transaction) — here a single in-memory critical section plays the role
// of that one transaction.
package routing

import (
	"sync"

	"github.com/splinter-mesh/splinter/internal/log"
	"github.com/splinter-mesh/splinter/internal/xerrors"
)

var routingLog = log.NewSubsystem("RTNG")

// Node is the routing table's view of a node: its identity and the
// endpoints a connection manager can use to reach it.
type Node struct {
	ID        string
	Endpoints []string
}

// Service is one member of a circuit's roster: a logical endpoint
// `(circuit_id, service_id)` hosted on a node.
type Service struct {
	CircuitID string
	ServiceID string
	NodeID    string
	AllowedTo []string // peer service IDs this service may exchange messages with
	Arguments map[string]string
}

// Circuit is a named private subnet with a fixed membership of nodes and a
// roster of services, per the GLOSSARY.
type Circuit struct {
	ID         string
	Members    []string // node IDs
	Roster     []string // service IDs, in roster order (coordinator = lex-min)
	AuthMode   string
	Status     string // "Active" | "Disbanded"
	Durability string
}

// Table is the routing table: three maps (circuits, nodes, services) under
// a single RWMutex.
type Table struct {
	mu sync.RWMutex

	circuits map[string]Circuit
	nodes    map[string]Node
	services map[string]Service // keyed by circuit_id + "::" + service_id
}

// New constructs an empty Table.
func New() *Table {
	return &Table{
		circuits: make(map[string]Circuit),
		nodes:    make(map[string]Node),
		services: make(map[string]Service),
	}
}

func serviceKey(circuitID, serviceID string) string {
	return circuitID + "::" + serviceID
}

// AddCircuit inserts or replaces one circuit. The roster's services may be
// added before or after it with AddService/AddServices; the routing table
// does not check the roster or the member list against the service or
// node tables.
func (t *Table) AddCircuit(c Circuit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.circuits[c.ID] = c
}

// AddCircuits is the batch form of AddCircuit: one write-lock acquisition
// for the whole slice.
func (t *Table) AddCircuits(cs []Circuit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range cs {
		t.circuits[c.ID] = c
	}
}

// RemoveCircuit deletes a circuit and every service routed through it.
func (t *Table) RemoveCircuit(circuitID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.circuits[circuitID]
	if !ok {
		return
	}
	for _, svcID := range c.Roster {
		delete(t.services, serviceKey(circuitID, svcID))
	}
	delete(t.circuits, circuitID)
}

// AddNode inserts or replaces one node's endpoint record.
func (t *Table) AddNode(n Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n.ID] = n
}

// AddNodes is the batch form of AddNode.
func (t *Table) AddNodes(ns []Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range ns {
		t.nodes[n.ID] = n
	}
}

// AddService registers one service as part of a circuit's roster. Returns
// a Conflict error if the (circuit_id, service_id) pair is already routed
// to a different node, preserving the invariant that no
// service is listed in two circuits (or twice in one) under the same key.
func (t *Table) AddService(svc Service) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addServiceLocked(svc)
}

// AddServices is the batch form of AddService: one write-lock acquisition
// for the whole slice. On the first conflicting entry, the batch stops and
// returns the error; entries already applied earlier in the batch remain
// applied: the same non-transactional semantics as a bolt.Tx where a
// mid-batch Put error does not roll back prior Puts in the same pass.
// Callers that need all-or-nothing batches should validate before calling.
func (t *Table) AddServices(svcs []Service) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, svc := range svcs {
		if err := t.addServiceLocked(svc); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) addServiceLocked(svc Service) error {
	key := serviceKey(svc.CircuitID, svc.ServiceID)
	if existing, ok := t.services[key]; ok && existing.NodeID != svc.NodeID {
		return xerrors.New(xerrors.Conflict, "routing.AddService", nil)
	}
	if _, ok := t.nodes[svc.NodeID]; !ok {
		routingLog.Warnf("routing service %s to unknown node %s", key, svc.NodeID)
	}
	t.services[key] = svc
	return nil
}

// RemoveService removes a single service from a circuit's roster.
func (t *Table) RemoveService(circuitID, serviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.services, serviceKey(circuitID, serviceID))
}

// GetCircuit returns a copy of circuitID's record, if known.
func (t *Table) GetCircuit(circuitID string) (Circuit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.circuits[circuitID]
	return c, ok
}

// GetService returns a copy of (circuitID, serviceID)'s record, if known.
func (t *Table) GetService(circuitID, serviceID string) (Service, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	svc, ok := t.services[serviceKey(circuitID, serviceID)]
	return svc, ok
}

// GetNode returns a copy of nodeID's record, if known.
func (t *Table) GetNode(nodeID string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[nodeID]
	return n, ok
}

// ListCircuits returns every circuit currently in the table.
func (t *Table) ListCircuits() []Circuit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Circuit, 0, len(t.circuits))
	for _, c := range t.circuits {
		out = append(out, c)
	}
	return out
}

// ListServices returns the registered services named in circuitID's
// roster, in roster order; a service registered under circuitID but absent
// from the roster is not returned. It returns nil for an unknown circuit.
func (t *Table) ListServices(circuitID string) []Service {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.circuits[circuitID]
	if !ok {
		return nil
	}
	out := make([]Service, 0, len(c.Roster))
	for _, svcID := range c.Roster {
		if svc, ok := t.services[serviceKey(circuitID, svcID)]; ok {
			out = append(out, svc)
		}
	}
	return out
}

// ListNodes returns every node currently in the table.
func (t *Table) ListNodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	return out
}

// Coordinator returns the lexicographically-smallest service ID in
// circuitID's roster per the coordinator-selection rule.
func (t *Table) Coordinator(circuitID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.circuits[circuitID]
	if !ok || len(c.Roster) == 0 {
		return "", false
	}
	min := c.Roster[0]
	for _, svcID := range c.Roster[1:] {
		if svcID < min {
			min = svcID
		}
	}
	return min, true
}
