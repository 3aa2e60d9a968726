package scabbard_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/protocol"
	"github.com/splinter-mesh/splinter/scabbard"
)

type node struct {
	id  string
	svc *scabbard.Service
}

// directBroadcaster delivers scabbard messages straight to the target
// node's Service, standing in for the interconnect+dispatch layer a real
// deployment routes through.
type directBroadcaster struct {
	nodes map[string]*node
}

func (d *directBroadcaster) SendToService(serviceID string, msg protocol.DomainMessage) error {
	target := d.nodes[serviceID]
	if target == nil {
		return nil
	}
	switch m := msg.(type) {
	case *protocol.NewBatch:
		return target.svc.HandleNewBatch(m)
	case *protocol.Proposal:
		return target.svc.HandleProposal(m)
	case *protocol.Vote:
		return target.svc.HandleVote(m)
	case *protocol.Commit:
		return target.svc.HandleCommit(m)
	case *protocol.Abort:
		return target.svc.HandleAbort(m)
	case *protocol.TooManyRequests:
		return target.svc.HandleTooManyRequests(m)
	case *protocol.AcceptingRequests:
		return target.svc.HandleAcceptingRequests(m)
	}
	return nil
}

func newCluster(t *testing.T) (coordinator, f1, f2 *node) {
	t.Helper()
	dir := t.TempDir()
	roster := []string{"s1", "s2", "s3"} // s1 sorts first: coordinator

	b := &directBroadcaster{nodes: make(map[string]*node)}
	mk := func(id string) *node {
		store, err := scabbard.Open(dir, "c0001", id)
		require.NoError(t, err)
		svc := scabbard.New(scabbard.Config{
			CircuitID:   "c0001",
			ServiceID:   id,
			Roster:      roster,
			Store:       store,
			Broadcaster: b,
		})
		return &node{id: id, svc: svc}
	}

	coordinator = mk("s1")
	f1 = mk("s2")
	f2 = mk("s3")
	b.nodes["s1"], b.nodes["s2"], b.nodes["s3"] = coordinator, f1, f2
	return coordinator, f1, f2
}

func batchBytes(address, value string) []byte {
	return []byte(`[{"address":"` + address + `","value":"` + value + `"}]`)
}

func TestCoordinatorIsLexMinRoster(t *testing.T) {
	coordinator, f1, f2 := newCluster(t)
	require.Equal(t, "s1", coordinator.svc.Coordinator())
	require.Equal(t, "s1", f1.svc.Coordinator())
	require.Equal(t, "s1", f2.svc.Coordinator())
}

func TestBatchCommitsAcrossAllMembersOnUnanimousVote(t *testing.T) {
	coordinator, f1, f2 := newCluster(t)

	var events []scabbard.Event
	cancel := f2.svc.Subscribe(func(ev scabbard.Event) {
		events = append(events, ev)
	})
	defer cancel()

	ids, err := coordinator.svc.AddBatches([][]byte{batchBytes("foo", "bar")})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	info, err := coordinator.svc.GetBatchInfo(ids, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, scabbard.BatchCommitted, info[ids[0]])

	for _, n := range []*node{coordinator, f1, f2} {
		v, ok, err := n.svc.GetStateAtAddress("foo")
		require.NoError(t, err)
		require.True(t, ok, "node %s should have applied the committed delta", n.id)
		require.Equal(t, "bar", string(v))
	}

	require.Len(t, events, 1)
	require.Equal(t, "bar", string(events[0].StateChanges["foo"]))
}

func TestFollowerForwardsBatchToCoordinator(t *testing.T) {
	coordinator, f1, _ := newCluster(t)

	ids, err := f1.svc.AddBatches([][]byte{batchBytes("k", "v")})
	require.NoError(t, err)

	info, err := f1.svc.GetBatchInfo(ids, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, scabbard.BatchCommitted, info[ids[0]])

	v, ok, err := coordinator.svc.GetStateAtAddress("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}

func TestPurgeClearsState(t *testing.T) {
	coordinator, _, _ := newCluster(t)

	ids, err := coordinator.svc.AddBatches([][]byte{batchBytes("a", "1")})
	require.NoError(t, err)
	_, err = coordinator.svc.GetBatchInfo(ids, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, coordinator.svc.Purge())

	_, ok, err := coordinator.svc.GetStateAtAddress("a")
	require.NoError(t, err)
	require.False(t, ok)
}
