package interconnect_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/dispatch"
	"github.com/splinter-mesh/splinter/interconnect"
	"github.com/splinter-mesh/splinter/internal/wire"
	"github.com/splinter-mesh/splinter/mesh"
	"github.com/splinter-mesh/splinter/peer"
	"github.com/splinter-mesh/splinter/protocol"
	"github.com/splinter-mesh/splinter/transport"
)

type recordingRouter struct {
	received chan string
}

func (r *recordingRouter) Enqueue(source dispatch.SourceID, raw []byte) error {
	r.received <- string(source)
	return nil
}

func TestInterconnectRoutesInboundByToken(t *testing.T) {
	inproc := transport.NewInproc()
	ln, err := inproc.Listen("inproc://ic-a")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan transport.Connection, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		accepted <- conn
	}()

	dialer, err := inproc.Connect("inproc://ic-a")
	require.NoError(t, err)

	var listenerSide transport.Connection
	select {
	case listenerSide = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}

	m := mesh.New(16)
	defer m.Shutdown()
	require.NoError(t, m.Add("conn-1", listenerSide))

	peers := peer.New(peer.Config{})
	token := peer.PeerTokenPair{
		Remote: peer.PeerAuthorizationToken{Kind: peer.TokenTrust, PeerID: "node-b"},
		Local:  peer.PeerAuthorizationToken{Kind: peer.TokenTrust, PeerID: "node-a"},
	}
	_, err = peers.AddPeerRef(token, []string{"inproc://ic-a"}, peer.PeerAuthorizationToken{})
	require.NoError(t, err)
	require.NoError(t, peers.UpdatePeer(peer.PeerMetadata{
		TokenPair:    token,
		ConnectionID: "conn-1",
		Status:       peer.PeerStatus{Kind: peer.StatusConnected},
	}))

	router := &recordingRouter{received: make(chan string, 1)}
	ic := interconnect.New(m, peers, map[protocol.MessageType]interconnect.DomainRouter{
		protocol.MsgEcho: router,
	}, 8)
	ic.Start()
	defer ic.Stop()

	env, err := protocol.EncodeEnvelope(protocol.MsgEcho, &protocol.Echo{Payload: []byte("hi")})
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = wire.WriteEnvelope(&buf, env)
	require.NoError(t, err)
	require.NoError(t, dialer.Send(buf.Bytes()))

	select {
	case source := <-router.received:
		require.Equal(t, token.String(), source)
	case <-time.After(time.Second):
		t.Fatal("router never received message")
	}
}

func TestInterconnectSendResolvesRecipient(t *testing.T) {
	inproc := transport.NewInproc()
	ln, err := inproc.Listen("inproc://ic-b")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan transport.Connection, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		accepted <- conn
	}()

	dialer, err := inproc.Connect("inproc://ic-b")
	require.NoError(t, err)

	var listenerSide transport.Connection
	select {
	case listenerSide = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}

	m := mesh.New(16)
	defer m.Shutdown()
	require.NoError(t, m.Add("conn-1", dialer))

	peers := peer.New(peer.Config{})
	token := peer.PeerTokenPair{
		Remote: peer.PeerAuthorizationToken{Kind: peer.TokenTrust, PeerID: "node-b"},
		Local:  peer.PeerAuthorizationToken{Kind: peer.TokenTrust, PeerID: "node-a"},
	}
	_, err = peers.AddPeerRef(token, []string{"inproc://ic-b"}, peer.PeerAuthorizationToken{})
	require.NoError(t, err)
	require.NoError(t, peers.UpdatePeer(peer.PeerMetadata{TokenPair: token, ConnectionID: "conn-1"}))

	ic := interconnect.New(m, peers, nil, 8)
	ic.Start()
	defer ic.Stop()

	require.NoError(t, ic.Send(token, []byte("payload")))

	got, err := listenerSide.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}
