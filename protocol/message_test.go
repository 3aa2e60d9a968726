package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/internal/wire"
	"github.com/splinter-mesh/splinter/protocol"
)

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		domain protocol.MessageType
		msg    protocol.DomainMessage
	}{
		{"echo", protocol.MsgEcho, &protocol.Echo{Payload: []byte("hi")}},
		{"auth-protocol-request", protocol.MsgAuthorization,
			&protocol.AuthProtocolRequest{Min: 1, Max: 2}},
		{"auth-protocol-response", protocol.MsgAuthorization,
			&protocol.AuthProtocolResponse{Chosen: 1, AcceptedTypes: []uint16{1, 2}}},
		{"auth-challenge-submit", protocol.MsgAuthorization,
			&protocol.AuthChallengeSubmitRequest{Submissions: []protocol.ChallengeSubmission{
				{PublicKey: []byte("pk1"), Signature: []byte("sig1")},
				{PublicKey: []byte("pk2"), Signature: []byte("sig2")},
			}}},
		{"proposal-vote", protocol.MsgAdmin,
			&protocol.ProposalVote{CircuitID: "c1", CircuitHash: "h1", VoterNodeID: "n1", Approve: true}},
		{"scabbard-proposal", protocol.MsgScabbard,
			&protocol.Proposal{ProposalID: "p1", PreviousID: "p0", BatchID: "b1",
				BatchBytes: []byte("batch"), ExpectedStateRoot: []byte("root")}},
		{"circuit-info-response", protocol.MsgCircuit,
			&protocol.CircuitInfoResponse{CircuitID: "c1", Found: true, CircuitDoc: []byte("{}")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := protocol.EncodeEnvelope(tc.domain, tc.msg)
			require.NoError(t, err)

			decoded, err := protocol.DecodeEnvelope(env)
			require.NoError(t, err)
			require.Equal(t, tc.msg, decoded)
		})
	}
}

func TestDecodeEnvelopeUnknownDomain(t *testing.T) {
	_, err := protocol.DecodeEnvelope(wire.Envelope{Type: 255, Payload: nil})
	require.Error(t, err)
}
