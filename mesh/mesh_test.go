package mesh_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/mesh"
	"github.com/splinter-mesh/splinter/transport"
)

func TestMeshRoundTrip(t *testing.T) {
	inproc := transport.NewInproc()
	ln, err := inproc.Listen("inproc://mesh-a")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan transport.Connection, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		accepted <- conn
	}()

	dialer, err := inproc.Connect("inproc://mesh-a")
	require.NoError(t, err)

	var listenerSide transport.Connection
	select {
	case listenerSide = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}

	m := mesh.New(16)
	defer m.Shutdown()

	require.NoError(t, m.Add("dialer-side", dialer))

	other := mesh.New(16)
	defer other.Shutdown()
	require.NoError(t, other.Add("listener-side", listenerSide))

	require.NoError(t, m.Send("dialer-side", []byte("ping")))

	env, err := other.Recv()
	require.NoError(t, err)
	require.Equal(t, mesh.ConnID("listener-side"), env.ID)
	require.Equal(t, []byte("ping"), env.Payload)
}

func TestMeshAddDuplicateRejected(t *testing.T) {
	inproc := transport.NewInproc()
	ln, err := inproc.Listen("inproc://mesh-dup")
	require.NoError(t, err)
	defer ln.Close()

	dialer, err := inproc.Connect("inproc://mesh-dup")
	require.NoError(t, err)

	m := mesh.New(4)
	defer m.Shutdown()

	require.NoError(t, m.Add("x", dialer))
	require.Error(t, m.Add("x", dialer))
}

func TestMeshSendUnknownID(t *testing.T) {
	m := mesh.New(4)
	defer m.Shutdown()

	err := m.Send("nope", []byte("x"))
	require.Error(t, err)
}

func TestMeshShutdownUnblocksRecv(t *testing.T) {
	m := mesh.New(4)

	done := make(chan error, 1)
	go func() {
		_, err := m.Recv()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Shutdown()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock on Shutdown")
	}
}
