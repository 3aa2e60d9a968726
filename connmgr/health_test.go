package connmgr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/auth"
	"github.com/splinter-mesh/splinter/connmgr"
	"github.com/splinter-mesh/splinter/transport"
)

// TestHealthCheckProbesTrackedConnection verifies that enabling HealthCheck
// on a Manager causes Track to start sending pings over the tracked
// connection, and that the remote end actually receives them.
func TestHealthCheckProbesTrackedConnection(t *testing.T) {
	inproc := transport.NewInproc()
	registry := transport.NewRegistry(inproc)

	ln, err := inproc.Listen("inproc://health-server")
	require.NoError(t, err)
	defer ln.Close()

	serverConnReady := make(chan transport.Connection, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			serverConnReady <- conn
		}
	}()

	mgr := connmgr.New(connmgr.Config{
		Transports:          registry,
		AuthConfig:          auth.Config{MinProtocol: 1, MaxProtocol: 1, LocalAuthType: auth.AuthTrust},
		HealthCheck:         true,
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheckTimeout:  50 * time.Millisecond,
	})

	clientConn, err := registry.Connect("inproc://health-server")
	require.NoError(t, err)

	var serverConn transport.Connection
	select {
	case serverConn = <-serverConnReady:
	case <-time.After(time.Second):
		t.Fatal("server never accepted")
	}

	mgr.Track("peer-1", clientConn)

	recvDone := make(chan error, 1)
	go func() {
		_, err := serverConn.Recv()
		recvDone <- err
	}()

	select {
	case err := <-recvDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server never received a liveness ping")
	}

	mgr.Disconnect("peer-1")
}
