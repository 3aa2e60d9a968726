package scabbard

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/splinter-mesh/splinter/internal/log"
	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/metrics"
	"github.com/splinter-mesh/splinter/protocol"
)

var scabbardLog = log.NewSubsystem("SCAB")

const (
	defaultCoordinatorTimeout = 30 * time.Second
	defaultHighWaterMark      = 100
	// proposalWindow bounds how far ahead of the committed head a proposal
	// may sit in the pending buffer before it's dropped; the sender is
	// expected to retransmit after recovery.
	defaultProposalWindow = 16
)

// Broadcaster delivers scabbard-domain messages to a named peer service in
// the same circuit.
type Broadcaster interface {
	SendToService(serviceID string, msg protocol.DomainMessage) error
}

// BatchVerifier authenticates a batch's signature(s) before it is admitted
// to the queue. A nil Verifier in Config admits every batch unverified,
// which is adequate for tests but never for a production wiring.
type BatchVerifier interface {
	VerifyBatch(batchBytes []byte) error
}

// Config parameterizes a Service.
type Config struct {
	CircuitID   string
	ServiceID   string
	Roster      []string // every service ID in the circuit, including ServiceID
	Store       *Store
	Broadcaster Broadcaster
	Executor    BatchExecutor
	Verifier    BatchVerifier

	CoordinatorTimeout time.Duration
	HighWaterMark      int
	ProposalWindow     int
	Clock              clock.Clock
	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.ScabbardMetrics
}

type queuedBatch struct {
	batchID string
	bytes   []byte
}

type proposalWait struct {
	votes map[string]chan *protocol.Vote
}

// Service is one circuit's replicated batch engine: one instance runs per
// member.
type Service struct {
	circuitID string
	serviceID string
	roster    []string
	store     *Store
	broadcast Broadcaster
	executor  BatchExecutor
	verifier  BatchVerifier
	clk       clock.Clock

	coordinatorTimeout time.Duration
	highWaterMark      int
	proposalWindow     int
	metrics            *metrics.ScabbardMetrics

	limiter *rate.Limiter

	mu               sync.Mutex
	queue            []queuedBatch
	committedHead    string // last committed proposal ID
	pendingProposals map[string]*protocol.Proposal // buffered out-of-order proposals, by PreviousID they wait on
	inFlightDeltas   map[string]map[string][]byte  // proposal_id -> computed delta, awaiting Commit/Abort
	waits            map[string]*proposalWait      // proposal_id -> per-voter channels (coordinator side)
	acceptingClients bool

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int
}

// New constructs a Service.
func New(cfg Config) *Service {
	if cfg.Executor == nil {
		cfg.Executor = NewDefaultExecutor()
	}
	if cfg.CoordinatorTimeout == 0 {
		cfg.CoordinatorTimeout = defaultCoordinatorTimeout
	}
	if cfg.HighWaterMark == 0 {
		cfg.HighWaterMark = defaultHighWaterMark
	}
	if cfg.ProposalWindow == 0 {
		cfg.ProposalWindow = defaultProposalWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewScabbardMetrics(nil)
	}

	return &Service{
		circuitID:          cfg.CircuitID,
		serviceID:          cfg.ServiceID,
		roster:             cfg.Roster,
		store:              cfg.Store,
		broadcast:          cfg.Broadcaster,
		executor:           cfg.Executor,
		verifier:           cfg.Verifier,
		clk:                cfg.Clock,
		coordinatorTimeout: cfg.CoordinatorTimeout,
		highWaterMark:      cfg.HighWaterMark,
		proposalWindow:     cfg.ProposalWindow,
		metrics:            cfg.Metrics,
		limiter:            rate.NewLimiter(rate.Every(time.Second), cfg.HighWaterMark),
		pendingProposals:   make(map[string]*protocol.Proposal),
		inFlightDeltas:     make(map[string]map[string][]byte),
		waits:              make(map[string]*proposalWait),
		acceptingClients:   true,
		subscribers:        make(map[int]func(Event)),
	}
}

// Coordinator returns the service ID of the circuit's coordinator: the
// lexicographically smallest service ID in the roster (or this service's
// own ID when the roster is empty). The choice is fixed and there is no
// re-election: while the coordinator service is down, no batch on the
// circuit is proposed or committed.
func (s *Service) Coordinator() string {
	if len(s.roster) == 0 {
		return s.serviceID
	}
	sorted := append([]string(nil), s.roster...)
	sort.Strings(sorted)
	return sorted[0]
}

func (s *Service) isCoordinator() bool { return s.Coordinator() == s.serviceID }

// AddBatches validates, enqueues, and (on a follower) forwards batches to
// the coordinator per the add_batches operation. It returns
// the assigned batch IDs as a status link the caller can poll via
// GetBatchInfo.
func (s *Service) AddBatches(batches [][]byte) ([]string, error) {
	s.mu.Lock()
	accepting := s.acceptingClients
	s.mu.Unlock()
	if !accepting {
		return nil, xerrors.New(xerrors.TransientIo, "scabbard.AddBatches", nil)
	}

	ids := make([]string, 0, len(batches))
	for _, b := range batches {
		if s.verifier != nil {
			if err := s.verifier.VerifyBatch(b); err != nil {
				return nil, xerrors.New(xerrors.ProtocolViolation, "scabbard.AddBatches", err)
			}
		}

		id := batchID(b)
		if err := s.store.PutBatchStatus(id, BatchPending); err != nil {
			return nil, err
		}

		if s.isCoordinator() {
			s.enqueue(id, b)
		} else if s.broadcast != nil {
			if err := s.broadcast.SendToService(s.Coordinator(), &protocol.NewBatch{BatchID: id, BatchBytes: b}); err != nil {
				return nil, xerrors.New(xerrors.TransientIo, "scabbard.AddBatches", err)
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func batchID(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HandleNewBatch admits a batch forwarded by a non-coordinator follower,
// per the "non-coordinators forward newly accepted batches to
// the coordinator via a NewBatch message".
func (s *Service) HandleNewBatch(m *protocol.NewBatch) error {
	if !s.isCoordinator() {
		return nil
	}
	s.enqueue(m.BatchID, m.BatchBytes)
	return nil
}

func (s *Service) enqueue(id string, b []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, queuedBatch{batchID: id, bytes: b})
	depth := len(s.queue)
	s.mu.Unlock()
	s.metrics.InFlightBatches.Inc()

	if depth >= s.highWaterMark && s.limiter.Allow() {
		s.broadcastToRoster(&protocol.TooManyRequests{})
	}

	go s.drainQueue()
}

func (s *Service) broadcastToRoster(msg protocol.DomainMessage) {
	if s.broadcast == nil {
		return
	}
	for _, peer := range s.roster {
		if peer == s.serviceID {
			continue
		}
		if err := s.broadcast.SendToService(peer, msg); err != nil {
			scabbardLog.Warnf("failed to broadcast %T to %s: %v", msg, peer, err)
		}
	}
}

// drainQueue runs the coordinator's serial batch executor: one batch's full
// propose/vote/commit cycle completes before the next begins.
func (s *Service) drainQueue() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		depth := len(s.queue)
		s.mu.Unlock()

		if depth < s.highWaterMark/2 {
			s.broadcastToRoster(&protocol.AcceptingRequests{})
		}

		if err := s.runProposal(next); err != nil {
			scabbardLog.Errorf("batch %s failed: %v", next.batchID, err)
		}
	}
}

// runProposal executes steps 1-4 of the commit protocol for one batch as
// the coordinator.
func (s *Service) runProposal(b queuedBatch) error {
	s.mu.Lock()
	prevHead := s.committedHead
	s.mu.Unlock()

	root, err := s.store.CurrentRoot()
	if err != nil {
		return err
	}

	delta, err := s.executor.Execute(b.bytes, s.store)
	if err != nil {
		_ = s.store.PutBatchStatus(b.batchID, BatchInvalid)
		return err
	}
	expectedRoot := computeStateRoot(root, delta)

	proposalID := b.batchID
	prop := &protocol.Proposal{
		ProposalID:        proposalID,
		PreviousID:        prevHead,
		BatchID:           b.batchID,
		BatchBytes:        b.bytes,
		ExpectedStateRoot: expectedRoot,
	}

	s.mu.Lock()
	s.inFlightDeltas[proposalID] = delta
	pw := &proposalWait{votes: make(map[string]chan *protocol.Vote)}
	for _, peer := range s.roster {
		if peer != s.serviceID {
			pw.votes[peer] = make(chan *protocol.Vote, 1)
		}
	}
	s.waits[proposalID] = pw
	s.mu.Unlock()

	s.broadcastToRoster(prop)
	if err := s.store.PutBatchStatus(b.batchID, BatchValid); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.coordinatorTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range pw.votes {
		ch := ch
		g.Go(func() error {
			select {
			case v := <-ch:
				if !v.Approve {
					return xerrors.New(xerrors.Conflict, "scabbard.runProposal", nil)
				}
				return nil
			case <-gctx.Done():
				return xerrors.New(xerrors.Timeout, "scabbard.runProposal", gctx.Err())
			}
		})
	}

	waitErr := g.Wait()

	s.mu.Lock()
	delete(s.waits, proposalID)
	s.mu.Unlock()

	if waitErr != nil {
		return s.abort(proposalID, waitErr.Error())
	}
	return s.commit(proposalID)
}

// HandleProposal processes an inbound Proposal as a follower: execute the
// batch, compare roots, and vote. steps 2-3.
func (s *Service) HandleProposal(p *protocol.Proposal) error {
	s.mu.Lock()
	head := s.committedHead
	s.mu.Unlock()

	if p.PreviousID != head {
		return s.bufferOrDrop(p)
	}
	return s.evaluateProposal(p)
}

// bufferOrDrop buffers a proposal whose predecessor hasn't committed locally
// yet, within a bounded window per the proposal-chain buffering.
func (s *Service) bufferOrDrop(p *protocol.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingProposals) >= s.proposalWindow {
		scabbardLog.Warnf("dropping proposal %s: buffer window exhausted, awaiting retransmit", p.ProposalID)
		return nil
	}
	s.pendingProposals[p.PreviousID] = p
	return nil
}

func (s *Service) evaluateProposal(p *protocol.Proposal) error {
	root, err := s.store.CurrentRoot()
	if err != nil {
		return err
	}

	delta, err := s.executor.Execute(p.BatchBytes, s.store)
	approve := true
	reason := ""
	if err != nil {
		approve, reason = false, err.Error()
	} else {
		computed := computeStateRoot(root, delta)
		if !bytesEqual(computed, p.ExpectedStateRoot) {
			approve, reason = false, "state root mismatch"
		}
	}

	if approve {
		s.mu.Lock()
		s.inFlightDeltas[p.ProposalID] = delta
		s.mu.Unlock()
	}

	if s.broadcast != nil {
		vote := &protocol.Vote{ProposalID: p.ProposalID, VoterID: s.serviceID, Approve: approve, Reason: reason}
		if err := s.broadcast.SendToService(s.Coordinator(), vote); err != nil {
			scabbardLog.Warnf("failed to send vote for %s: %v", p.ProposalID, err)
		}
	}
	return nil
}

// HandleVote delivers an inbound vote to the coordinator goroutine waiting
// on it. step 4.
func (s *Service) HandleVote(v *protocol.Vote) error {
	s.mu.Lock()
	pw, ok := s.waits[v.ProposalID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	ch, ok := pw.votes[v.VoterID]
	if !ok {
		return nil
	}
	select {
	case ch <- v:
	default:
	}
	return nil
}

// HandleCommit applies a Commit directive from the coordinator.
func (s *Service) HandleCommit(m *protocol.Commit) error {
	return s.commit(m.ProposalID)
}

// HandleAbort marks a batch invalid per an Abort directive from the
// coordinator.
func (s *Service) HandleAbort(m *protocol.Abort) error {
	return s.abort(m.ProposalID, m.Reason)
}

// HandleTooManyRequests stops this follower from accepting new client
// batches until AcceptingRequests arrives.
func (s *Service) HandleTooManyRequests(*protocol.TooManyRequests) error {
	s.mu.Lock()
	s.acceptingClients = false
	s.mu.Unlock()
	return nil
}

// HandleAcceptingRequests lifts a prior backpressure signal.
func (s *Service) HandleAcceptingRequests(*protocol.AcceptingRequests) error {
	s.mu.Lock()
	s.acceptingClients = true
	s.mu.Unlock()
	return nil
}

func (s *Service) commit(proposalID string) error {
	s.mu.Lock()
	delta, ok := s.inFlightDeltas[proposalID]
	delete(s.inFlightDeltas, proposalID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	root, err := s.store.CurrentRoot()
	if err != nil {
		return err
	}
	newRoot := computeStateRoot(root, delta)

	receipt := Receipt{BatchID: proposalID, StateChanges: delta, Root: newRoot}
	ev, err := s.store.ApplyStateDelta(delta, newRoot, proposalID, receipt)
	if err != nil {
		return err
	}
	if err := s.store.PutBatchStatus(proposalID, BatchCommitted); err != nil {
		return err
	}
	s.metrics.InFlightBatches.Dec()
	s.metrics.BatchesCommitted.Inc()

	s.mu.Lock()
	s.committedHead = proposalID
	waiting, hasWaiting := s.pendingProposals[proposalID]
	delete(s.pendingProposals, proposalID)
	s.mu.Unlock()

	if s.broadcast != nil && s.isCoordinator() {
		s.broadcastToRoster(&protocol.Commit{ProposalID: proposalID})
	}

	s.publish(ev)

	if hasWaiting {
		return s.evaluateProposal(waiting)
	}
	return nil
}

func (s *Service) abort(proposalID, reason string) error {
	s.mu.Lock()
	delete(s.inFlightDeltas, proposalID)
	s.mu.Unlock()

	if err := s.store.PutBatchStatus(proposalID, BatchInvalid); err != nil {
		return err
	}
	if s.broadcast != nil && s.isCoordinator() {
		s.broadcastToRoster(&protocol.Abort{ProposalID: proposalID, Reason: reason})
	}
	return nil
}

func (s *Service) publish(ev Event) {
	s.subMu.Lock()
	subs := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Subscribe registers fn to receive every future commit event. The
// returned cancel function unregisters it.
func (s *Service) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// GetEventsSince replays state-change events from a checkpoint.
func (s *Service) GetEventsSince(sinceEventID string) ([]Event, error) {
	return s.store.GetEventsSince(sinceEventID)
}

// GetBatchInfo reports the current status of each listed batch, optionally
// polling until every one reaches a terminal status or deadline elapses,
// per the get_batch_info operation.
func (s *Service) GetBatchInfo(ids []string, wait time.Duration) (map[string]BatchStatus, error) {
	deadline := s.clk.Now().Add(wait)
	out := make(map[string]BatchStatus, len(ids))
	for {
		allTerminal := true
		for _, id := range ids {
			status, ok, err := s.store.GetBatchStatus(id)
			if err != nil {
				return nil, err
			}
			if !ok {
				allTerminal = false
				continue
			}
			out[id] = status
			if status != BatchCommitted && status != BatchInvalid {
				allTerminal = false
			}
		}
		if allTerminal || wait <= 0 || s.clk.Now().After(deadline) {
			return out, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// GetStateAtAddress is a point read of the Merkle state.
func (s *Service) GetStateAtAddress(address string) ([]byte, bool, error) {
	return s.store.GetState(address)
}

// GetStateWithPrefix is a range read of the Merkle state.
func (s *Service) GetStateWithPrefix(prefix string) (map[string][]byte, error) {
	return s.store.GetStateWithPrefix(prefix)
}

// Purge destroys this service's persisted state per the "Purge
// destroys persisted state after disband".
func (s *Service) Purge() error {
	return s.store.Purge()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
