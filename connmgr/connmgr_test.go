package connmgr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/auth"
	"github.com/splinter-mesh/splinter/connmgr"
	"github.com/splinter-mesh/splinter/transport"
)

func TestConnectAndAcceptAuthorize(t *testing.T) {
	inproc := transport.NewInproc()
	registry := transport.NewRegistry(inproc)

	ln, err := inproc.Listen("inproc://server")
	require.NoError(t, err)
	defer ln.Close()

	serverAuthorized := make(chan connmgr.AuthResult, 1)
	serverMgr := connmgr.New(connmgr.Config{
		Transports: registry,
		AuthConfig: auth.Config{
			MinProtocol: 1, MaxProtocol: 1, LocalAuthType: auth.AuthTrust, LocalIdentity: "server",
		},
		OnAuthorized: func(r connmgr.AuthResult) { serverAuthorized <- r },
	})

	acceptDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptDone <- err
			return
		}
		acceptDone <- serverMgr.Accept(conn)
	}()

	clientAuthorized := make(chan connmgr.AuthResult, 1)
	clientMgr := connmgr.New(connmgr.Config{
		Transports: registry,
		AuthConfig: auth.Config{
			MinProtocol: 1, MaxProtocol: 1, LocalAuthType: auth.AuthTrust, LocalIdentity: "client",
		},
		OnAuthorized: func(r connmgr.AuthResult) { clientAuthorized <- r },
	})

	require.NoError(t, clientMgr.Connect("inproc://server", false))

	select {
	case err := <-acceptDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server never finished accepting")
	}

	select {
	case r := <-serverAuthorized:
		require.Equal(t, "client", r.Identity.Trust)
	case <-time.After(time.Second):
		t.Fatal("server never authorized client")
	}

	select {
	case r := <-clientAuthorized:
		require.Equal(t, "server", r.Identity.Trust)
	case <-time.After(time.Second):
		t.Fatal("client never authorized server")
	}
}

func TestConnectUnreachableSchedulesReconnect(t *testing.T) {
	inproc := transport.NewInproc()
	registry := transport.NewRegistry(inproc)

	mgr := connmgr.New(connmgr.Config{
		Transports: registry,
		AuthConfig: auth.Config{MinProtocol: 1, MaxProtocol: 1, LocalAuthType: auth.AuthTrust},
	})

	err := mgr.Connect("inproc://nobody-here", true)
	require.Error(t, err)
}
