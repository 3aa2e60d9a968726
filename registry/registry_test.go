package registry_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/registry"
)

func mustNode(identity string) registry.Node {
	return registry.Node{
		Identity:    identity,
		Endpoints:   []string{"tcp://" + identity + ":8080"},
		DisplayName: "Node " + identity,
		Keys:        []string{"02" + identity},
		Metadata:    map[string]string{"org": "acme"},
	}
}

func TestLocalRegistryInsertFetchDelete(t *testing.T) {
	dir := t.TempDir()
	r, err := registry.NewLocalRegistry(filepath.Join(dir, "nodes.jsonl"))
	require.NoError(t, err)

	require.NoError(t, r.InsertNode(mustNode("n1")))

	n, ok, err := r.FetchNode("n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Node n1", n.DisplayName)

	deleted, ok, err := r.DeleteNode("n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "n1", deleted.Identity)

	_, ok, err = r.FetchNode("n1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalRegistryPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.jsonl")

	r1, err := registry.NewLocalRegistry(path)
	require.NoError(t, err)
	require.NoError(t, r1.InsertNode(mustNode("n1")))
	require.NoError(t, r1.InsertNode(mustNode("n2")))

	r2, err := registry.NewLocalRegistry(path)
	require.NoError(t, err)

	count, err := r2.CountNodes(nil)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestLocalRegistryRejectsEndpointConflict(t *testing.T) {
	dir := t.TempDir()
	r, err := registry.NewLocalRegistry(filepath.Join(dir, "nodes.jsonl"))
	require.NoError(t, err)

	require.NoError(t, r.InsertNode(mustNode("n1")))

	conflicting := mustNode("n2")
	conflicting.Endpoints = []string{"tcp://n1:8080"}
	err = r.InsertNode(conflicting)
	require.Error(t, err)
}

func TestLocalRegistryRejectsMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	r, err := registry.NewLocalRegistry(filepath.Join(dir, "nodes.jsonl"))
	require.NoError(t, err)

	err = r.InsertNode(registry.Node{Identity: "n1"})
	require.Error(t, err)
}

func TestMetadataPredicateOperators(t *testing.T) {
	n := mustNode("n1")
	n.Metadata["key"] = "5"

	require.True(t, registry.MetadataPredicate{Key: "key", Op: registry.PredicateEq, Value: "5"}.Apply(n))
	require.False(t, registry.MetadataPredicate{Key: "key", Op: registry.PredicateEq, Value: "4"}.Apply(n))
	require.True(t, registry.MetadataPredicate{Key: "key", Op: registry.PredicateNe, Value: "4"}.Apply(n))
	require.True(t, registry.MetadataPredicate{Key: "missing", Op: registry.PredicateNe, Value: "4"}.Apply(n))
	require.False(t, registry.MetadataPredicate{Key: "missing", Op: registry.PredicateEq, Value: "4"}.Apply(n))
	require.True(t, registry.MetadataPredicate{Key: "key", Op: registry.PredicateGt, Value: "4"}.Apply(n))
	require.True(t, registry.MetadataPredicate{Key: "key", Op: registry.PredicateLe, Value: "5"}.Apply(n))
}

func TestRemoteRegistryForcedRefresh(t *testing.T) {
	c := clock.NewTestClock(time.Unix(0, 0))
	calls := 0
	fetch := func() ([]registry.Node, error) {
		calls++
		return []registry.Node{mustNode("n1")}, nil
	}

	r, err := registry.NewRemoteRegistry(registry.RemoteConfig{
		Fetch:         fetch,
		ForcedRefresh: time.Minute,
		Clock:         c,
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	_, _, err = r.FetchNode("n1")
	require.NoError(t, err)
	require.Equal(t, 1, calls, "refresh within forced-refresh window should not re-fetch")

	c.SetTime(time.Unix(0, 0).Add(2 * time.Minute))
	_, _, err = r.FetchNode("n1")
	require.NoError(t, err)
	require.Equal(t, 2, calls, "stale snapshot should trigger a synchronous refresh")
}

func TestUnifiedRegistryLocalWinsOnCollision(t *testing.T) {
	dir := t.TempDir()
	local, err := registry.NewLocalRegistry(filepath.Join(dir, "nodes.jsonl"))
	require.NoError(t, err)

	localNode := mustNode("n1")
	localNode.DisplayName = "Local N1"
	require.NoError(t, local.InsertNode(localNode))

	remote, err := registry.NewRemoteRegistry(registry.RemoteConfig{
		Fetch: func() ([]registry.Node, error) {
			remoteNode := mustNode("n1")
			remoteNode.DisplayName = "Remote N1"
			return []registry.Node{remoteNode, mustNode("n2")}, nil
		},
	})
	require.NoError(t, err)

	unified := registry.NewUnifiedRegistry(local, remote)

	n, ok, err := unified.FetchNode("n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Local N1", n.DisplayName)

	count, err := unified.CountNodes(nil)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
