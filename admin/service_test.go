package admin_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/admin"
	"github.com/splinter-mesh/splinter/dispatch"
	"github.com/splinter-mesh/splinter/protocol"
	"github.com/splinter-mesh/splinter/registry"
	"github.com/splinter-mesh/splinter/routing"
)

type fakeOrchestrator struct {
	mu           sync.Mutex
	instantiated []string
	stopped      []string
}

func (f *fakeOrchestrator) InstantiateCircuit(circuitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instantiated = append(f.instantiated, circuitID)
	return nil
}

func (f *fakeOrchestrator) StopCircuit(circuitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, circuitID)
	return nil
}

type node struct {
	id    string
	store *admin.Store
	table *routing.Table
	svc   *admin.Service
	orch  *fakeOrchestrator
}

// directBroadcaster delivers messages straight to the target node's
// Service methods, standing in for the interconnect+dispatch layer a real
// deployment routes through. It still exercises the real
// NewProposalSubmitHandler adapter so ProposalDoc is decoded exactly as in
// production.
type directBroadcaster struct {
	nodes map[string]*node
}

func (d *directBroadcaster) SendToNode(nodeID string, msg protocol.DomainMessage) error {
	target := d.nodes[nodeID]
	if target == nil {
		return nil
	}
	switch m := msg.(type) {
	case *protocol.ProposalSubmit:
		return admin.NewProposalSubmitHandler(target.svc).HandleMessage(dispatch.MessageContext{}, m, nil)
	case *protocol.ProposalVote:
		return target.svc.HandleVote(*m)
	}
	return nil
}

func newNode(t *testing.T, id string, reg registry.Reader, b *directBroadcaster, orch *fakeOrchestrator) *node {
	t.Helper()
	dir := t.TempDir()
	store, err := admin.Open("sqlite", "file:"+filepath.Join(dir, id+".db"))
	require.NoError(t, err)

	table := routing.New()
	n := &node{id: id, store: store, table: table, orch: orch}
	n.svc = admin.New(admin.Config{
		LocalNodeID:  id,
		Store:        store,
		Table:        table,
		Registry:     reg,
		Broadcaster:  b,
		Orchestrator: orch,
	})
	return n
}

func TestCircuitCreationCommitsOnUnanimousApproval(t *testing.T) {
	dir := t.TempDir()
	reg, err := registry.NewLocalRegistry(filepath.Join(dir, "nodes.jsonl"))
	require.NoError(t, err)
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, reg.InsertNode(registry.Node{
			Identity: id, Endpoints: []string{"tcp://" + id}, DisplayName: id, Keys: []string{"k-" + id},
		}))
	}

	orch := &fakeOrchestrator{}
	b := &directBroadcaster{nodes: make(map[string]*node)}

	n1 := newNode(t, "n1", reg, b, orch)
	n2 := newNode(t, "n2", reg, b, orch)
	n3 := newNode(t, "n3", reg, b, orch)
	b.nodes["n1"], b.nodes["n2"], b.nodes["n3"] = n1, n2, n3

	members := []admin.Member{{NodeID: "n1"}, {NodeID: "n2"}, {NodeID: "n3"}}
	services := []admin.ServiceSpec{
		{ServiceID: "s1", NodeID: "n1"},
		{ServiceID: "s2", NodeID: "n2"},
		{ServiceID: "s3", NodeID: "n3"},
	}

	require.NoError(t, n1.svc.Submit(admin.Proposal{
		CircuitID:     "c0001",
		CircuitHash:   "hash-c0001",
		Type:          admin.ProposalCreate,
		RequesterNode: "n1",
		Members:       members,
		Services:      services,
	}))

	for _, n := range []*node{n1, n2, n3} {
		c, ok := n.table.GetCircuit("c0001")
		require.True(t, ok, "node %s should have committed circuit", n.id)
		require.Equal(t, "Active", c.Status)
		require.Len(t, n.table.ListServices("c0001"), 3)
	}

	require.Contains(t, orch.instantiated, "c0001")
}

func TestProposalRejectedOnValidationFailure(t *testing.T) {
	dir := t.TempDir()
	reg, err := registry.NewLocalRegistry(filepath.Join(dir, "nodes.jsonl"))
	require.NoError(t, err)
	require.NoError(t, reg.InsertNode(registry.Node{
		Identity: "n1", Endpoints: []string{"tcp://n1"}, DisplayName: "n1", Keys: []string{"k1"},
	}))

	store, err := admin.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "n1.db"))
	require.NoError(t, err)

	svc := admin.New(admin.Config{
		LocalNodeID: "n1",
		Store:       store,
		Table:       routing.New(),
		Registry:    reg,
	})

	err = svc.Submit(admin.Proposal{
		CircuitID:     "c0002",
		CircuitHash:   "hash-c0002",
		RequesterNode: "n1",
		Members:       []admin.Member{{NodeID: "n1"}, {NodeID: "unknown-node"}},
	})
	require.Error(t, err)
}

func TestSubmitIsIdempotentOnIdenticalHash(t *testing.T) {
	dir := t.TempDir()
	store, err := admin.Open("sqlite", "file:"+filepath.Join(dir, "n1.db"))
	require.NoError(t, err)

	svc := admin.New(admin.Config{
		LocalNodeID: "n1",
		Store:       store,
		Table:       routing.New(),
	})

	p := admin.Proposal{
		CircuitID:     "c0003",
		CircuitHash:   "hash-c0003",
		RequesterNode: "n1",
		Members:       []admin.Member{{NodeID: "n1"}},
	}
	require.NoError(t, svc.Submit(p))
	require.NoError(t, svc.Submit(p))

	got, ok, err := svc.GetProposal("c0003")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, admin.ProposalCommitted, got.Status)
}
