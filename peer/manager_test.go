package peer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/peer"
)

type fakeConnector struct {
	scheduled    []string
	disconnected []string
}

func (f *fakeConnector) ScheduleReconnect(id string, endpoints []string) {
	f.scheduled = append(f.scheduled, id)
}

func (f *fakeConnector) Disconnect(id string) {
	f.disconnected = append(f.disconnected, id)
}

func tokenPair(remote, local string) peer.PeerTokenPair {
	return peer.PeerTokenPair{
		Remote: peer.PeerAuthorizationToken{Kind: peer.TokenTrust, PeerID: remote},
		Local:  peer.PeerAuthorizationToken{Kind: peer.TokenTrust, PeerID: local},
	}
}

func TestAddPeerRefFirstRefConnects(t *testing.T) {
	connector := &fakeConnector{}
	mgr := peer.New(peer.Config{Connector: connector})

	token := tokenPair("node-b", "node-a")
	ref1, err := mgr.AddPeerRef(token, []string{"tcp://node-b:8080"}, peer.PeerAuthorizationToken{})
	require.NoError(t, err)
	require.Equal(t, 1, mgr.RefCount(token))
	require.Len(t, connector.scheduled, 1)

	ref2, err := mgr.AddPeerRef(token, []string{"tcp://node-b:8080"}, peer.PeerAuthorizationToken{})
	require.NoError(t, err)
	require.Equal(t, 2, mgr.RefCount(token))
	require.Len(t, connector.scheduled, 1, "second ref must not reconnect")

	ref1.Release()
	require.Equal(t, 1, mgr.RefCount(token))
	require.Empty(t, connector.disconnected)

	ref2.Release()
	require.Equal(t, 0, mgr.RefCount(token))
	require.Len(t, connector.disconnected, 1)

	_, ok := mgr.Get(token)
	require.False(t, ok)
}

func TestReleaseIsIdempotentPerRef(t *testing.T) {
	connector := &fakeConnector{}
	mgr := peer.New(peer.Config{Connector: connector})

	token := tokenPair("node-b", "node-a")
	ref, err := mgr.AddPeerRef(token, []string{"tcp://node-b:8080"}, peer.PeerAuthorizationToken{})
	require.NoError(t, err)

	ref.Release()
	ref.Release()
	require.Equal(t, 0, mgr.RefCount(token))
	require.Len(t, connector.disconnected, 1)
}

func TestUpdatePeerRequiresExistingToken(t *testing.T) {
	mgr := peer.New(peer.Config{})
	token := tokenPair("node-b", "node-a")

	err := mgr.UpdatePeer(peer.PeerMetadata{TokenPair: token})
	require.Error(t, err)

	_, err = mgr.AddPeerRef(token, []string{"tcp://node-b:8080"}, peer.PeerAuthorizationToken{})
	require.NoError(t, err)

	err = mgr.UpdatePeer(peer.PeerMetadata{
		TokenPair:      token,
		ConnectionID:   "conn-1",
		ActiveEndpoint: "tcp://node-b:8080",
		Status:         peer.PeerStatus{Kind: peer.StatusConnected},
	})
	require.NoError(t, err)

	md, ok := mgr.Get(token)
	require.True(t, ok)
	require.Equal(t, peer.ConnectionID("conn-1"), md.ConnectionID)

	connID, ok := mgr.ConnectionIDs().GetByKey(token)
	require.True(t, ok)
	require.Equal(t, peer.ConnectionID("conn-1"), connID)
}

func TestAddPeerRefRejectsNoEndpoints(t *testing.T) {
	mgr := peer.New(peer.Config{})
	token := tokenPair("node-b", "node-a")

	_, err := mgr.AddPeerRef(token, nil, peer.PeerAuthorizationToken{})
	require.Error(t, err)
}
