package routing_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/routing"
)

func TestAddCircuitsBatchAndList(t *testing.T) {
	tbl := routing.New()

	tbl.AddNodes([]routing.Node{
		{ID: "n1", Endpoints: []string{"tcp://n1:8080"}},
		{ID: "n2", Endpoints: []string{"tcp://n2:8080"}},
	})

	tbl.AddCircuits([]routing.Circuit{
		{ID: "c0001", Members: []string{"n1", "n2"}, Roster: []string{"s1", "s2"}, Status: "Active"},
	})
	require.NoError(t, tbl.AddServices([]routing.Service{
		{CircuitID: "c0001", ServiceID: "s1", NodeID: "n1"},
		{CircuitID: "c0001", ServiceID: "s2", NodeID: "n2"},
	}))

	c, ok := tbl.GetCircuit("c0001")
	require.True(t, ok)
	require.Equal(t, "Active", c.Status)

	svcs := tbl.ListServices("c0001")
	require.Len(t, svcs, 2)

	coord, ok := tbl.Coordinator("c0001")
	require.True(t, ok)
	require.Equal(t, "s1", coord)
}

func TestAddServiceConflictingNodeRejected(t *testing.T) {
	tbl := routing.New()
	require.NoError(t, tbl.AddService(routing.Service{CircuitID: "c1", ServiceID: "s1", NodeID: "n1"}))

	err := tbl.AddService(routing.Service{CircuitID: "c1", ServiceID: "s1", NodeID: "n2"})
	require.Error(t, err)
}

func TestRemoveCircuitRemovesServices(t *testing.T) {
	tbl := routing.New()
	tbl.AddCircuit(routing.Circuit{ID: "c1", Roster: []string{"s1"}})
	require.NoError(t, tbl.AddService(routing.Service{CircuitID: "c1", ServiceID: "s1", NodeID: "n1"}))

	tbl.RemoveCircuit("c1")

	_, ok := tbl.GetCircuit("c1")
	require.False(t, ok)
	_, ok = tbl.GetService("c1", "s1")
	require.False(t, ok)
}

func TestCoordinatorUnknownCircuit(t *testing.T) {
	tbl := routing.New()
	_, ok := tbl.Coordinator("missing")
	require.False(t, ok)
}
