package auth_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/auth"
	"github.com/splinter-mesh/splinter/protocol"
)

// drive delivers toB to b and toA to a, feeding every reply back to the
// other side, until neither side produces further messages. It stands in
// for the two real connections' read loops. Both machines have been
// started, as connmgr's Connect and Accept each do, so each side runs its
// own Initiating track alongside its Accepting one.
func drive(t *testing.T, a, b *auth.Machine, toB, toA []protocol.DomainMessage) {
	t.Helper()
	deliver := func(dst *auth.Machine, msgs []protocol.DomainMessage) []protocol.DomainMessage {
		var replies []protocol.DomainMessage
		for _, msg := range msgs {
			out, err := dst.HandleMessage(msg)
			require.NoError(t, err)
			replies = append(replies, out...)
		}
		return replies
	}
	for len(toB) > 0 || len(toA) > 0 {
		toA, toB = deliver(b, toB), deliver(a, toA)
	}
}

func TestMachineTrustHandshake(t *testing.T) {
	a := auth.New(auth.Config{
		MinProtocol: 1, MaxProtocol: 1,
		LocalAuthType: auth.AuthTrust,
		LocalIdentity: "node-a",
	})
	b := auth.New(auth.Config{
		MinProtocol: 1, MaxProtocol: 1,
		LocalAuthType: auth.AuthTrust,
		LocalIdentity: "node-b",
	})

	drive(t, a, b, a.Start(), b.Start())

	require.True(t, a.Authorized())
	require.True(t, b.Authorized())
	require.Equal(t, "node-a", b.RemoteIdentity().Trust)
}

func TestMachineChallengeHandshake(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	a := auth.New(auth.Config{
		MinProtocol: 1, MaxProtocol: 1,
		LocalAuthType:   auth.AuthChallenge,
		LocalPrivateKey: priv,
	})
	b := auth.New(auth.Config{
		MinProtocol: 1, MaxProtocol: 1,
		LocalAuthType:     auth.AuthChallenge,
		LocalPrivateKey:   bPriv,
		ExpectedRemoteKey: priv.PubKey(),
	})

	drive(t, a, b, a.Start(), b.Start())

	require.True(t, a.Authorized())
	require.True(t, b.Authorized())
	require.Equal(t, priv.PubKey().SerializeCompressed(), b.RemoteIdentity().PublicKey)
}

func TestMachineChallengeWrongKeyRejected(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	a := auth.New(auth.Config{
		MinProtocol: 1, MaxProtocol: 1,
		LocalAuthType:   auth.AuthChallenge,
		LocalPrivateKey: priv,
	})
	b := auth.New(auth.Config{
		MinProtocol: 1, MaxProtocol: 1,
		LocalAuthType:     auth.AuthChallenge,
		ExpectedRemoteKey: other.PubKey(),
	})

	req := a.Start()
	resp, err := b.HandleMessage(req[0])
	require.NoError(t, err)
	resp2, err := a.HandleMessage(resp[0])
	require.NoError(t, err)
	resp3, err := b.HandleMessage(resp2[0])
	require.NoError(t, err)
	resp4, err := a.HandleMessage(resp3[0])
	require.NoError(t, err)

	_, err = b.HandleMessage(resp4[0])
	require.Error(t, err)
	require.False(t, b.Authorized())
}

func TestMachineV0Handshake(t *testing.T) {
	a := auth.New(auth.Config{LocalIdentity: "node-a"})
	b := auth.New(auth.Config{LocalIdentity: "node-b"})

	drive(t, a, b, a.StartV0(), b.StartV0())

	require.True(t, a.Authorized())
	require.True(t, b.Authorized())
	require.Equal(t, "node-a", b.RemoteIdentity().Trust)
}

func TestMachineNoOverlapFails(t *testing.T) {
	a := auth.New(auth.Config{MinProtocol: 1, MaxProtocol: 1, LocalAuthType: auth.AuthTrust})
	b := auth.New(auth.Config{MinProtocol: 2, MaxProtocol: 2, LocalAuthType: auth.AuthTrust})

	start := a.Start()
	_, err := b.HandleMessage(start[0])
	require.Error(t, err)
	require.False(t, b.Authorized())
}
