package transport_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/transport"
)

func TestInprocRoundTrip(t *testing.T) {
	inproc := transport.NewInproc()

	ln, err := inproc.Listen("inproc://node-a")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan transport.Connection, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	dialer, err := inproc.Connect("inproc://node-a")
	require.NoError(t, err)

	var listenerSide transport.Connection
	select {
	case listenerSide = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}

	require.NoError(t, dialer.Send([]byte("hello")))

	got, err := listenerSide.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	require.NoError(t, listenerSide.Send([]byte("world")))
	got, err = dialer.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)

	require.NoError(t, dialer.Disconnect())
	_, err = dialer.Recv()
	require.ErrorIs(t, err, transport.ErrDisconnected)
}

func TestInprocConnectUnknownEndpoint(t *testing.T) {
	inproc := transport.NewInproc()
	_, err := inproc.Connect("inproc://missing")
	require.Error(t, err)
}

func TestRegistryDispatchesByScheme(t *testing.T) {
	inproc := transport.NewInproc()
	reg := transport.NewRegistry(transport.NewTCP(), inproc)

	_, err := inproc.Listen("inproc://registry-test")
	require.NoError(t, err)

	conn, err := reg.Connect("inproc://registry-test")
	require.NoError(t, err)
	require.NotNil(t, conn)

	_, err = reg.Connect("udp://nope")
	require.Error(t, err)
}
