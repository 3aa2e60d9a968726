package admin

import (
	"sync"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/splinter-mesh/splinter/internal/log"
	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/metrics"
	"github.com/splinter-mesh/splinter/protocol"
	"github.com/splinter-mesh/splinter/registry"
	"github.com/splinter-mesh/splinter/routing"
)

var adminLog = log.NewSubsystem("ADMN")

// Broadcaster delivers admin-domain messages to other nodes' admin
// services, addressed by node ID; the interconnect/peer layer resolves
// node ID to a live connection.
type Broadcaster interface {
	SendToNode(nodeID string, msg protocol.DomainMessage) error
}

// Orchestrator is the subset of the orchestrator package the admin service
// needs: instantiate a circuit's services on commit, stop them on disband.
// Defined here (rather than imported from orchestrator) so orchestrator
// can depend on admin without a cycle.
type Orchestrator interface {
	InstantiateCircuit(circuitID string) error
	StopCircuit(circuitID string) error
}

// Service is the circuit admin consensus service. Every node runs one,
// validating and voting on proposals identically, committing a circuit to
// the routing table only once every member has approved.
type Service struct {
	localNodeID string

	store     *Store
	table     *routing.Table
	registry  registry.Reader
	broadcast Broadcaster
	orch      Orchestrator
	clock     clock.Clock
	metrics   *metrics.AdminMetrics

	mu           sync.Mutex
	pendingVotes map[string][]protocol.ProposalVote // circuit_id -> votes received before the proposal itself
}

// Config parameterizes a Service.
type Config struct {
	LocalNodeID  string
	Store        *Store
	Table        *routing.Table
	Registry     registry.Reader
	Broadcaster  Broadcaster
	Orchestrator Orchestrator
	Clock        clock.Clock
	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.AdminMetrics
}

// New constructs a Service.
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewAdminMetrics(nil)
	}
	return &Service{
		localNodeID:  cfg.LocalNodeID,
		store:        cfg.Store,
		table:        cfg.Table,
		registry:     cfg.Registry,
		broadcast:    cfg.Broadcaster,
		orch:         cfg.Orchestrator,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		pendingVotes: make(map[string][]protocol.ProposalVote),
	}
}

// validate checks a proposal for admission: non-empty roster, every member
// known to the registry, and the requester node itself a member.
// Service.AllowedNodes (the roster constraint) is additionally checked
// against the registry so a roster referencing a node absent from every
// configured registry is rejected, not just one absent from the
// proposal's own member list.
func (s *Service) validate(p Proposal) error {
	if p.CircuitID == "" || p.CircuitHash == "" {
		return xerrors.New(xerrors.InvalidInput, "admin.validate", nil)
	}
	if len(p.Members) == 0 {
		return xerrors.New(xerrors.InvalidInput, "admin.validate", nil)
	}

	isMember := false
	for _, m := range p.Members {
		if m.NodeID == p.RequesterNode {
			isMember = true
		}
		if s.registry != nil {
			known, err := s.registry.HasNode(m.NodeID)
			if err != nil {
				return xerrors.New(xerrors.Internal, "admin.validate", err)
			}
			if !known {
				return xerrors.New(xerrors.InvalidInput, "admin.validate", nil)
			}
		}
	}
	if !isMember {
		return xerrors.New(xerrors.InvalidInput, "admin.validate", nil)
	}

	for _, svc := range p.Services {
		for _, allowed := range svc.AllowedNodes {
			if s.registry == nil {
				continue
			}
			known, err := s.registry.HasNode(allowed)
			if err != nil {
				return xerrors.New(xerrors.Internal, "admin.validate", err)
			}
			if !known {
				return xerrors.New(xerrors.InvalidInput, "admin.validate", nil)
			}
		}
	}
	return nil
}

// Submit is the operator-facing entry point: validate, store, broadcast to
// every member, and record the local approve vote. Resubmission with an
// identical circuit_hash is idempotent: it results in one stored proposal
// and one outbound broadcast.
func (s *Service) Submit(p Proposal) error {
	if existing, ok, err := s.store.GetProposal(p.CircuitID); err != nil {
		return err
	} else if ok && existing.CircuitHash == p.CircuitHash {
		adminLog.Debugf("duplicate proposal submission for %s ignored", p.CircuitID)
		return nil
	}

	if err := s.validate(p); err != nil {
		return err
	}

	p.Status = ProposalPending
	p.CreatedAt = s.clock.Now()
	if err := s.store.SaveProposal(p); err != nil {
		return err
	}
	s.metrics.PendingProposals.Inc()

	now := s.clock.Now()
	if err := s.store.RecordVote(p.CircuitID, s.localNodeID, true, "", now); err != nil {
		return err
	}

	if s.broadcast != nil {
		doc, err := encodeProposalDoc(p)
		if err != nil {
			return xerrors.New(xerrors.Internal, "admin.Submit", err)
		}
		msg := &protocol.ProposalSubmit{
			CircuitID:     p.CircuitID,
			CircuitHash:   p.CircuitHash,
			RequesterNode: p.RequesterNode,
			ProposalDoc:   doc,
		}
		ownVote := &protocol.ProposalVote{
			CircuitID: p.CircuitID, CircuitHash: p.CircuitHash,
			VoterNodeID: s.localNodeID, Approve: true,
		}
		for _, m := range p.Members {
			if m.NodeID == s.localNodeID {
				continue
			}
			if err := s.broadcast.SendToNode(m.NodeID, msg); err != nil {
				adminLog.Warnf("failed to broadcast proposal %s to %s: %v", p.CircuitID, m.NodeID, err)
			}
			// The requester's own approve vote is sent alongside the
			// proposal so every member can observe unanimity without a
			// second round trip back through the requester.
			if err := s.broadcast.SendToNode(m.NodeID, ownVote); err != nil {
				adminLog.Warnf("failed to broadcast requester vote for %s to %s: %v", p.CircuitID, m.NodeID, err)
			}
		}
	}

	return s.tryCommit(p.CircuitID)
}

// HandleProposalSubmit processes an inbound ProposalSubmit from another
// node's admin service, given the full proposal that
// NewProposalSubmitHandler decoded from the message's ProposalDoc: it
// stores the proposal, validates it, records and broadcasts this node's
// vote, and replays any votes buffered before the proposal arrived. A
// proposal already stored with the same circuit_hash is ignored.
func (s *Service) HandleProposalSubmit(p Proposal) error {
	if existing, ok, err := s.store.GetProposal(p.CircuitID); err != nil {
		return err
	} else if ok && existing.CircuitHash == p.CircuitHash {
		return nil
	}

	p.Status = ProposalPending
	p.CreatedAt = s.clock.Now()
	if err := s.store.SaveProposal(p); err != nil {
		return err
	}
	s.metrics.PendingProposals.Inc()

	approve := true
	comment := ""
	if err := s.validate(p); err != nil {
		approve = false
		comment = "validation failed"
	}

	now := s.clock.Now()
	if err := s.store.RecordVote(p.CircuitID, s.localNodeID, approve, comment, now); err != nil {
		return err
	}

	// Replay any votes that arrived before this node had ever heard of the
	// proposal (a normal race in an async broadcast: other members can
	// forward their own vote faster than the original proposal reaches
	// every member). HandleVote buffers every such vote; the number kept
	// per circuit is not capped.
	s.mu.Lock()
	buffered := s.pendingVotes[p.CircuitID]
	delete(s.pendingVotes, p.CircuitID)
	s.mu.Unlock()
	for _, v := range buffered {
		if err := s.applyVote(v); err != nil {
			return err
		}
	}

	if s.broadcast != nil {
		vote := &protocol.ProposalVote{
			CircuitID:   p.CircuitID,
			CircuitHash: p.CircuitHash,
			VoterNodeID: s.localNodeID,
			Approve:     approve,
			Comment:     comment,
		}
		// Every member needs every vote to independently observe
		// unanimity, not just the requester (the commit rule
		// is evaluated locally by each node).
		for _, m := range p.Members {
			if m.NodeID == s.localNodeID {
				continue
			}
			if err := s.broadcast.SendToNode(m.NodeID, vote); err != nil {
				adminLog.Warnf("failed to send vote for %s to %s: %v", p.CircuitID, m.NodeID, err)
			}
		}
	}

	if !approve {
		return s.reject(p.CircuitID)
	}
	return s.tryCommit(p.CircuitID)
}

// HandleVote records an inbound vote and, if every member has now approved,
// commits the proposal. If the proposal itself hasn't arrived yet (the
// proposal broadcast and a forwarded vote can race), the vote is buffered
// and replayed once HandleProposalSubmit stores the proposal.
func (s *Service) HandleVote(v protocol.ProposalVote) error {
	_, ok, err := s.store.GetProposal(v.CircuitID)
	if err != nil {
		return err
	}
	if !ok {
		s.mu.Lock()
		s.pendingVotes[v.CircuitID] = append(s.pendingVotes[v.CircuitID], v)
		s.mu.Unlock()
		return nil
	}
	return s.applyVote(v)
}

// applyVote records v against an already-stored proposal. A circuit_hash
// mismatch rejects the whole proposal and logs a warning, without recording
// the vote: vote messages carry circuit_hash so divergent proposals are
// rejected.
func (s *Service) applyVote(v protocol.ProposalVote) error {
	p, ok, err := s.store.GetProposal(v.CircuitID)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.New(xerrors.InvalidInput, "admin.applyVote", nil)
	}
	if p.CircuitHash != v.CircuitHash {
		adminLog.Warnf("vote for %s carries mismatched circuit_hash, treating as reject", v.CircuitID)
		return s.reject(v.CircuitID)
	}
	if p.Status != ProposalPending {
		return nil
	}

	now := s.clock.Now()
	if err := s.store.RecordVote(v.CircuitID, v.VoterNodeID, v.Approve, v.Comment, now); err != nil {
		return err
	}

	if !v.Approve {
		return s.reject(v.CircuitID)
	}
	return s.tryCommit(v.CircuitID)
}

// tryCommit applies the circuit to the routing table and asks the
// orchestrator to instantiate/stop services once every member has
// approved. It is a no-op if any vote is still outstanding.
func (s *Service) tryCommit(circuitID string) error {
	p, ok, err := s.store.GetProposal(circuitID)
	if err != nil {
		return err
	}
	if !ok || p.Status != ProposalPending || !p.unanimous() {
		return nil
	}

	switch p.Type {
	case ProposalCreate:
		members := make([]string, 0, len(p.Members))
		roster := make([]string, 0, len(p.Services))
		for _, m := range p.Members {
			members = append(members, m.NodeID)
		}
		for _, svc := range p.Services {
			roster = append(roster, svc.ServiceID)
		}
		s.table.AddCircuit(routing.Circuit{
			ID: p.CircuitID, Members: members, Roster: roster, Status: "Active",
		})
		svcs := make([]routing.Service, 0, len(p.Services))
		for _, svc := range p.Services {
			svcs = append(svcs, routing.Service{
				CircuitID: p.CircuitID, ServiceID: svc.ServiceID, NodeID: svc.NodeID,
				AllowedTo: svc.AllowedNodes, Arguments: svc.Arguments,
			})
		}
		if err := s.table.AddServices(svcs); err != nil {
			return err
		}
		if s.orch != nil {
			if err := s.orch.InstantiateCircuit(p.CircuitID); err != nil {
				adminLog.Errorf("failed to instantiate circuit %s: %v", p.CircuitID, err)
			}
		}

	case ProposalDisband:
		if c, ok := s.table.GetCircuit(p.CircuitID); ok {
			c.Status = "Disbanded"
			s.table.AddCircuit(c)
		}
		if s.orch != nil {
			if err := s.orch.StopCircuit(p.CircuitID); err != nil {
				adminLog.Errorf("failed to stop circuit %s: %v", p.CircuitID, err)
			}
		}

	case ProposalUpdateRoster:
		svcs := make([]routing.Service, 0, len(p.Services))
		for _, svc := range p.Services {
			svcs = append(svcs, routing.Service{
				CircuitID: p.CircuitID, ServiceID: svc.ServiceID, NodeID: svc.NodeID,
				AllowedTo: svc.AllowedNodes, Arguments: svc.Arguments,
			})
		}
		if err := s.table.AddServices(svcs); err != nil {
			return err
		}
	}

	if err := s.store.UpdateProposalStatus(p.CircuitID, ProposalCommitted); err != nil {
		return err
	}
	s.metrics.PendingProposals.Dec()
	s.metrics.ProposalsCommitted.Inc()
	return nil
}

// reject marks a pending proposal failed; a rejection from any member
// aborts the whole proposal.
func (s *Service) reject(circuitID string) error {
	p, ok, err := s.store.GetProposal(circuitID)
	if err != nil {
		return err
	}
	if !ok || p.Status != ProposalPending {
		return nil
	}
	if err := s.store.UpdateProposalStatus(circuitID, ProposalRejected); err != nil {
		return err
	}
	s.metrics.PendingProposals.Dec()
	s.metrics.ProposalsRejected.Inc()
	return nil
}

// GetProposal returns a stored proposal's current state, for operator
// surfacing of pending/committed/rejected status.
func (s *Service) GetProposal(circuitID string) (Proposal, bool, error) {
	return s.store.GetProposal(circuitID)
}
