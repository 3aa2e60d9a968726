package orchestrator_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/orchestrator"
	"github.com/splinter-mesh/splinter/routing"
	"github.com/splinter-mesh/splinter/scabbard"
)

func TestInstantiateCircuitStartsOnlyLocalServices(t *testing.T) {
	dir := t.TempDir()
	table := routing.New()
	table.AddCircuit(routing.Circuit{ID: "c1", Members: []string{"n1", "n2"}, Roster: []string{"s1", "s2"}, Status: "Active"})
	require.NoError(t, table.AddServices([]routing.Service{
		{CircuitID: "c1", ServiceID: "s1", NodeID: "n1"},
		{CircuitID: "c1", ServiceID: "s2", NodeID: "n2"},
	}))

	orch := orchestrator.New(orchestrator.Config{LocalNodeID: "n1", DataDir: dir, Table: table})
	require.NoError(t, orch.InstantiateCircuit("c1"))

	_, ok := orch.LocalService("c1", "s1")
	require.True(t, ok, "s1 is hosted on the local node")

	_, ok = orch.LocalService("c1", "s2")
	require.False(t, ok, "s2 is hosted on n2, not locally instantiated")
}

func TestSingleNodeCircuitCommitsBatch(t *testing.T) {
	dir := t.TempDir()
	table := routing.New()
	table.AddCircuit(routing.Circuit{ID: "c1", Members: []string{"n1"}, Roster: []string{"s1"}, Status: "Active"})
	require.NoError(t, table.AddServices([]routing.Service{
		{CircuitID: "c1", ServiceID: "s1", NodeID: "n1"},
	}))

	orch := orchestrator.New(orchestrator.Config{LocalNodeID: "n1", DataDir: dir, Table: table})
	require.NoError(t, orch.InstantiateCircuit("c1"))

	svc, ok := orch.LocalService("c1", "s1")
	require.True(t, ok)

	ids, err := svc.AddBatches([][]byte{[]byte(`[{"address":"k","value":"v"}]`)})
	require.NoError(t, err)

	info, err := svc.GetBatchInfo(ids, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, scabbard.BatchCommitted, info[ids[0]])
}

func TestPurgeCircuitDestroysPersistedState(t *testing.T) {
	dir := t.TempDir()
	table := routing.New()
	table.AddCircuit(routing.Circuit{ID: "c1", Members: []string{"n1"}, Roster: []string{"s1"}, Status: "Active"})
	require.NoError(t, table.AddServices([]routing.Service{
		{CircuitID: "c1", ServiceID: "s1", NodeID: "n1"},
	}))

	orch := orchestrator.New(orchestrator.Config{LocalNodeID: "n1", DataDir: dir, Table: table})
	require.NoError(t, orch.InstantiateCircuit("c1"))

	svc, ok := orch.LocalService("c1", "s1")
	require.True(t, ok)
	ids, err := svc.AddBatches([][]byte{[]byte(`[{"address":"k","value":"v"}]`)})
	require.NoError(t, err)
	_, err = svc.GetBatchInfo(ids, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, orch.StopCircuit("c1"))
	require.NoError(t, orch.PurgeCircuit("c1"))

	_, ok = orch.LocalService("c1", "s1")
	require.False(t, ok, "purged circuit should no longer be tracked")

	reopened, err := scabbard.Open(dir, "c1", "s1")
	require.NoError(t, err)
	defer reopened.Close()
	_, found, err := reopened.GetState("k")
	require.NoError(t, err)
	require.False(t, found, "purge should have cleared the committed state")
}
