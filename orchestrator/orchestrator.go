// Package orchestrator implements the per-circuit service lifecycle glue
// instantiating a
// circuit's local services on commit, stopping them on disband, and
// purging their persisted state once a disbanded circuit is torn down.
// It implements admin.Orchestrator and is grounded, for its map-of-handles-
// guarded-by-one-mutex shape, on peer.Manager (peer/manager.go).
package orchestrator

import (
	"sync"

	"github.com/splinter-mesh/splinter/internal/log"
	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/protocol"
	"github.com/splinter-mesh/splinter/routing"
	"github.com/splinter-mesh/splinter/scabbard"
)

var orchLog = log.NewSubsystem("ORCH")

// ServiceSender delivers a scabbard-domain message to a named service
// hosted on a remote node. The network envelope that carries circuit_id
// and service_id alongside the scabbard payload is wired in above this
// package (the node's interconnect/dispatch layer); ServiceSender is the
// seam Orchestrator needs, the same way admin.Broadcaster leaves the
// node-to-node transport to the caller.
type ServiceSender interface {
	SendToService(nodeID, circuitID, serviceID string, msg protocol.DomainMessage) error
}

// instance is one circuit's local running state: the scabbard services
// hosted on this node, keyed by service ID.
type instance struct {
	services  map[string]*scabbard.Service
	stores    map[string]*scabbard.Store
	disbanded bool
}

// Orchestrator binds committed circuits to locally running scabbard
// services per the commit rule ("asks the orchestrator to
// instantiate the circuit's services on this node").
type Orchestrator struct {
	localNodeID string
	dataDir     string
	table       *routing.Table
	sender      ServiceSender

	mu        sync.Mutex
	instances map[string]*instance // circuit_id -> instance
}

// Config parameterizes an Orchestrator.
type Config struct {
	LocalNodeID string
	DataDir     string
	Table       *routing.Table
	Sender      ServiceSender
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		localNodeID: cfg.LocalNodeID,
		dataDir:     cfg.DataDir,
		table:       cfg.Table,
		sender:      cfg.Sender,
		instances:   make(map[string]*instance),
	}
}

// circuitBroadcaster adapts one circuit's worth of scabbard.Broadcaster
// calls: a message addressed to a service hosted locally is delivered
// in-process; otherwise it's handed to the ServiceSender for network
// delivery to the node that hosts it.
type circuitBroadcaster struct {
	orch      *Orchestrator
	circuitID string
}

func (b *circuitBroadcaster) SendToService(serviceID string, msg protocol.DomainMessage) error {
	b.orch.mu.Lock()
	inst := b.orch.instances[b.circuitID]
	var local *scabbard.Service
	if inst != nil {
		local = inst.services[serviceID]
	}
	b.orch.mu.Unlock()

	if local != nil {
		return dispatchLocal(local, msg)
	}

	svc, ok := b.orch.table.GetService(b.circuitID, serviceID)
	if !ok {
		return xerrors.New(xerrors.InvalidInput, "orchestrator.circuitBroadcaster.SendToService", nil)
	}
	if b.orch.sender == nil {
		return nil
	}
	return b.orch.sender.SendToService(svc.NodeID, b.circuitID, serviceID, msg)
}

// dispatchLocal feeds msg directly to a co-located scabbard.Service,
// skipping the network round trip a remote peer would require.
func dispatchLocal(svc *scabbard.Service, msg protocol.DomainMessage) error {
	switch m := msg.(type) {
	case *protocol.NewBatch:
		return svc.HandleNewBatch(m)
	case *protocol.Proposal:
		return svc.HandleProposal(m)
	case *protocol.Vote:
		return svc.HandleVote(m)
	case *protocol.Commit:
		return svc.HandleCommit(m)
	case *protocol.Abort:
		return svc.HandleAbort(m)
	case *protocol.TooManyRequests:
		return svc.HandleTooManyRequests(m)
	case *protocol.AcceptingRequests:
		return svc.HandleAcceptingRequests(m)
	default:
		return xerrors.New(xerrors.Internal, "orchestrator.dispatchLocal", nil)
	}
}

// InstantiateCircuit starts one scabbard.Service per service this node
// hosts in circuitID's roster, implementing admin.Orchestrator.
func (o *Orchestrator) InstantiateCircuit(circuitID string) error {
	c, ok := o.table.GetCircuit(circuitID)
	if !ok {
		return xerrors.New(xerrors.InvalidInput, "orchestrator.InstantiateCircuit", nil)
	}

	roster := make([]string, 0, len(c.Roster))
	roster = append(roster, c.Roster...)

	inst := &instance{
		services: make(map[string]*scabbard.Service),
		stores:   make(map[string]*scabbard.Store),
	}

	for _, serviceID := range c.Roster {
		svcDef, ok := o.table.GetService(circuitID, serviceID)
		if !ok || svcDef.NodeID != o.localNodeID {
			continue
		}

		store, err := scabbard.Open(o.dataDir, circuitID, serviceID)
		if err != nil {
			return err
		}

		svc := scabbard.New(scabbard.Config{
			CircuitID:   circuitID,
			ServiceID:   serviceID,
			Roster:      roster,
			Store:       store,
			Broadcaster: &circuitBroadcaster{orch: o, circuitID: circuitID},
		})

		inst.services[serviceID] = svc
		inst.stores[serviceID] = store
	}

	o.mu.Lock()
	o.instances[circuitID] = inst
	o.mu.Unlock()

	orchLog.Infof("instantiated %d local service(s) for circuit %s", len(inst.services), circuitID)
	return nil
}

// StopCircuit marks circuitID's instance disbanded: local scabbard
// services stop accepting new client batches but keep their persisted
// state until an explicit Purge, implementing admin.Orchestrator.
func (o *Orchestrator) StopCircuit(circuitID string) error {
	o.mu.Lock()
	inst, ok := o.instances[circuitID]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	inst.disbanded = true
	for _, svc := range inst.services {
		if err := svc.HandleTooManyRequests(&protocol.TooManyRequests{}); err != nil {
			orchLog.Warnf("failed to stop accepting batches for circuit %s: %v", circuitID, err)
		}
	}
	orchLog.Infof("stopped circuit %s", circuitID)
	return nil
}

// PurgeCircuit destroys every local service's persisted state for
// circuitID and releases its resources. Purge is distinct from disband:
// a disbanded circuit may still be inspected until purged, and only purge
// deletes its persisted state.
func (o *Orchestrator) PurgeCircuit(circuitID string) error {
	o.mu.Lock()
	inst, ok := o.instances[circuitID]
	delete(o.instances, circuitID)
	o.mu.Unlock()
	if !ok {
		return nil
	}

	for serviceID, svc := range inst.services {
		if err := svc.Purge(); err != nil {
			return xerrors.New(xerrors.PersistentIo, "orchestrator.PurgeCircuit", err)
		}
		if store := inst.stores[serviceID]; store != nil {
			if err := store.Close(); err != nil {
				orchLog.Warnf("failed to close store for %s/%s: %v", circuitID, serviceID, err)
			}
		}
	}
	return nil
}

// LocalService returns the running scabbard.Service for (circuitID,
// serviceID), if this node hosts it, for the REST/CLI surface above this
// package to serve add_batches/get_state_at_address/etc against.
func (o *Orchestrator) LocalService(circuitID, serviceID string) (*scabbard.Service, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.instances[circuitID]
	if !ok {
		return nil, false
	}
	svc, ok := inst.services[serviceID]
	return svc, ok
}
