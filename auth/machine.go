package auth

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/protocol"
)

// Config parameterizes one Machine: the local node's protocol range and
// its own authorization material, used to both answer AuthProtocolRequest
// overlap negotiation and drive this node's Initiating track.
type Config struct {
	MinProtocol uint32
	MaxProtocol uint32

	LocalAuthType AuthType

	// LocalIdentity is sent in an AuthTrustRequest when LocalAuthType is
	// AuthTrust.
	LocalIdentity string

	// LocalPrivateKey signs the challenge nonce when LocalAuthType is
	// AuthChallenge.
	LocalPrivateKey *btcec.PrivateKey

	// ExpectedRemoteKey, if set, is the only public key this node's
	// Accepting track will accept from a Challenge submission; nil means
	// accept the first submission whose signature verifies.
	ExpectedRemoteKey *btcec.PublicKey
}

// Machine drives both tracks of one connection's authorization handshake.
// It is not safe for concurrent use and does no locking of its own; connmgr
// calls it only from the one goroutine running that connection's handshake.
type Machine struct {
	cfg Config

	initiating InitiatingState
	accepting  AcceptingState

	chosenProtocol uint32
	chosenAuthType AuthType

	pendingNonce []byte

	remoteIdentity *Identity

	protocolV0 bool
}

// New creates a Machine ready to begin a v1 handshake.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// Start begins the v1 Initiating track, returning the AuthProtocolRequest
// to send.
func (m *Machine) Start() []protocol.DomainMessage {
	m.initiating = InitiatingWaitForAuthProtocolResponse
	return []protocol.DomainMessage{
		&protocol.AuthProtocolRequest{Min: m.cfg.MinProtocol, Max: m.cfg.MaxProtocol},
	}
}

// StartV0 begins the "trust v0" fallback Initiating track.
func (m *Machine) StartV0() []protocol.DomainMessage {
	m.protocolV0 = true
	m.initiating = InitiatingWaitForAuthProtocolResponse
	return []protocol.DomainMessage{&protocol.ConnectRequestV0{}}
}

// InitiatingStateValue, AcceptingStateValue, and RemoteIdentity expose the machine's
// current progress for callers (tests, connmgr) that need to observe it.
func (m *Machine) InitiatingStateValue() InitiatingState { return m.initiating }
func (m *Machine) AcceptingStateValue() AcceptingState   { return m.accepting }
func (m *Machine) RemoteIdentity() *Identity             { return m.remoteIdentity }

// Authorized reports whether both tracks have reached terminal success and
// the connection may be handed off to the peer manager.
func (m *Machine) Authorized() bool {
	return m.initiating == InitiatingAuthorizedAndComplete && m.accepting == AcceptingDone
}

// fail transitions both tracks to Unauthorized and returns the
// AuthorizationError to send before the caller drops the connection.
func (m *Machine) fail(reason string) ([]protocol.DomainMessage, error) {
	m.initiating = InitiatingUnauthorized
	m.accepting = AcceptingUnauthorized
	return []protocol.DomainMessage{&protocol.AuthorizationError{Message: reason}},
		xerrors.New(xerrors.ProtocolViolation, "auth.Machine", nil)
}

// HandleMessage advances the machine on receipt of msg, returning any
// messages that must be sent in response. A protocol violation or
// signature failure fails both tracks and returns a non-nil error; the
// caller is expected to send the returned AuthorizationError and then drop
// the connection.
func (m *Machine) HandleMessage(msg protocol.DomainMessage) ([]protocol.DomainMessage, error) {
	switch t := msg.(type) {
	case *protocol.AuthProtocolRequest:
		return m.onAuthProtocolRequest(t)
	case *protocol.AuthProtocolResponse:
		return m.onAuthProtocolResponse(t)
	case *protocol.AuthTrustRequest:
		return m.onAuthTrustRequest(t)
	case *protocol.AuthTrustResponse:
		return m.onAuthTrustResponse()
	case *protocol.AuthChallengeNonceRequest:
		return m.onAuthChallengeNonceRequest()
	case *protocol.AuthChallengeNonceResponse:
		return m.onAuthChallengeNonceResponse(t)
	case *protocol.AuthChallengeSubmitRequest:
		return m.onAuthChallengeSubmitRequest(t)
	case *protocol.AuthChallengeSubmitResponse:
		return m.onAuthChallengeSubmitResponse(t)
	case *protocol.AuthComplete:
		return m.onAuthComplete()
	case *protocol.AuthorizationError:
		m.initiating = InitiatingUnauthorized
		m.accepting = AcceptingUnauthorized
		return nil, xerrors.New(xerrors.ProtocolViolation, "auth.Machine", nil)
	case *protocol.ConnectRequestV0:
		return m.onConnectRequestV0()
	case *protocol.ConnectResponseV0:
		return m.onConnectResponseV0()
	case *protocol.TrustRequestV0:
		return m.onTrustRequestV0(t)
	case *protocol.AuthorizedV0:
		return m.onAuthorizedV0()
	default:
		return m.fail("unexpected message in authorization handshake")
	}
}

func (m *Machine) onAuthProtocolRequest(req *protocol.AuthProtocolRequest) ([]protocol.DomainMessage, error) {
	if m.accepting != AcceptingStart {
		// Duplicate request for a state we've already reflected: ignore.
		return nil, nil
	}

	lo := maxU32(req.Min, m.cfg.MinProtocol)
	hi := minU32(req.Max, m.cfg.MaxProtocol)
	if lo > hi {
		return m.fail("no overlapping protocol version")
	}

	m.chosenProtocol = hi
	m.accepting = AcceptingSentAuthProtocolResponse
	return []protocol.DomainMessage{
		&protocol.AuthProtocolResponse{
			Chosen:        hi,
			AcceptedTypes: []uint16{uint16(AuthTrust), uint16(AuthChallenge)},
		},
	}, nil
}

func (m *Machine) onAuthProtocolResponse(resp *protocol.AuthProtocolResponse) ([]protocol.DomainMessage, error) {
	if m.initiating != InitiatingWaitForAuthProtocolResponse {
		return nil, nil
	}

	accepted := false
	for _, t := range resp.AcceptedTypes {
		if AuthType(t) == m.cfg.LocalAuthType {
			accepted = true
			break
		}
	}
	if !accepted {
		return m.fail("remote does not accept our authorization type")
	}

	m.chosenProtocol = resp.Chosen
	m.chosenAuthType = m.cfg.LocalAuthType

	switch m.cfg.LocalAuthType {
	case AuthTrust:
		m.initiating = InitiatingTrustPending
		return []protocol.DomainMessage{&protocol.AuthTrustRequest{Identity: m.cfg.LocalIdentity}}, nil
	case AuthChallenge:
		m.initiating = InitiatingChallengePending
		return []protocol.DomainMessage{&protocol.AuthChallengeNonceRequest{}}, nil
	default:
		return m.fail("unsupported local authorization type")
	}
}

func (m *Machine) onAuthTrustRequest(req *protocol.AuthTrustRequest) ([]protocol.DomainMessage, error) {
	if m.accepting != AcceptingSentAuthProtocolResponse && m.accepting != AcceptingTrustPending {
		return m.fail("unexpected AuthTrustRequest")
	}
	if req.Identity == "" {
		return m.fail("empty identity in AuthTrustRequest")
	}

	m.remoteIdentity = &Identity{Type: AuthTrust, Trust: req.Identity}
	m.accepting = AcceptingDone
	return []protocol.DomainMessage{&protocol.AuthTrustResponse{}}, nil
}

func (m *Machine) onAuthTrustResponse() ([]protocol.DomainMessage, error) {
	if m.initiating != InitiatingTrustPending {
		return m.fail("unexpected AuthTrustResponse")
	}
	m.initiating = InitiatingWaitForComplete
	return []protocol.DomainMessage{&protocol.AuthComplete{}}, nil
}

func (m *Machine) onAuthChallengeNonceRequest() ([]protocol.DomainMessage, error) {
	if m.accepting != AcceptingSentAuthProtocolResponse {
		return m.fail("unexpected AuthChallengeNonceRequest")
	}

	nonce, err := generateNonce()
	if err != nil {
		return m.fail("failed to generate challenge nonce")
	}

	m.pendingNonce = nonce
	m.accepting = AcceptingChallengePending
	return []protocol.DomainMessage{&protocol.AuthChallengeNonceResponse{Nonce: nonce}}, nil
}

func (m *Machine) onAuthChallengeNonceResponse(resp *protocol.AuthChallengeNonceResponse) ([]protocol.DomainMessage, error) {
	if m.initiating != InitiatingChallengePending {
		return m.fail("unexpected AuthChallengeNonceResponse")
	}
	if len(resp.Nonce) < nonceSize {
		return m.fail("challenge nonce too short")
	}
	if m.cfg.LocalPrivateKey == nil {
		return m.fail("no local key configured for challenge authorization")
	}

	pubKey, sig, err := signChallenge(m.cfg.LocalPrivateKey, resp.Nonce)
	if err != nil {
		return m.fail("failed to sign challenge nonce")
	}

	return []protocol.DomainMessage{
		&protocol.AuthChallengeSubmitRequest{
			Submissions: []protocol.ChallengeSubmission{{PublicKey: pubKey, Signature: sig}},
		},
	}, nil
}

func (m *Machine) onAuthChallengeSubmitRequest(req *protocol.AuthChallengeSubmitRequest) ([]protocol.DomainMessage, error) {
	if m.accepting != AcceptingChallengePending {
		return m.fail("unexpected AuthChallengeSubmitRequest")
	}
	if len(m.pendingNonce) == 0 {
		return m.fail("no outstanding challenge nonce")
	}

	for _, sub := range req.Submissions {
		verifiedKey, err := verifyChallenge(m.pendingNonce, sub.PublicKey, sub.Signature)
		if err != nil {
			continue
		}
		if m.cfg.ExpectedRemoteKey != nil &&
			!bytes.Equal(verifiedKey.SerializeCompressed(), m.cfg.ExpectedRemoteKey.SerializeCompressed()) {
			continue
		}

		m.remoteIdentity = &Identity{Type: AuthChallenge, PublicKey: sub.PublicKey}
		m.accepting = AcceptingDone
		return []protocol.DomainMessage{
			&protocol.AuthChallengeSubmitResponse{PublicKey: sub.PublicKey},
		}, nil
	}

	return m.fail("no submitted key verified against the challenge nonce")
}

func (m *Machine) onAuthChallengeSubmitResponse(resp *protocol.AuthChallengeSubmitResponse) ([]protocol.DomainMessage, error) {
	if m.initiating != InitiatingChallengePending {
		return m.fail("unexpected AuthChallengeSubmitResponse")
	}
	m.initiating = InitiatingWaitForComplete
	return []protocol.DomainMessage{&protocol.AuthComplete{}}, nil
}

func (m *Machine) onAuthComplete() ([]protocol.DomainMessage, error) {
	if m.initiating != InitiatingWaitForComplete {
		// Duplicate AuthComplete after we're already done: ignore.
		return nil, nil
	}
	m.initiating = InitiatingAuthorizedAndComplete
	return nil, nil
}

func (m *Machine) onConnectRequestV0() ([]protocol.DomainMessage, error) {
	if m.accepting != AcceptingStart {
		return nil, nil
	}
	m.protocolV0 = true
	m.accepting = AcceptingSentAuthProtocolResponse
	return []protocol.DomainMessage{&protocol.ConnectResponseV0{}}, nil
}

func (m *Machine) onConnectResponseV0() ([]protocol.DomainMessage, error) {
	if m.initiating != InitiatingWaitForAuthProtocolResponse {
		return nil, nil
	}
	m.initiating = InitiatingTrustPending
	return []protocol.DomainMessage{&protocol.TrustRequestV0{Identity: m.cfg.LocalIdentity}}, nil
}

func (m *Machine) onTrustRequestV0(req *protocol.TrustRequestV0) ([]protocol.DomainMessage, error) {
	if m.accepting != AcceptingSentAuthProtocolResponse {
		return m.fail("unexpected TrustRequestV0")
	}
	if req.Identity == "" {
		return m.fail("empty identity in TrustRequestV0")
	}
	m.remoteIdentity = &Identity{Type: AuthTrust, Trust: req.Identity}
	m.accepting = AcceptingDone
	return []protocol.DomainMessage{&protocol.AuthorizedV0{}}, nil
}

func (m *Machine) onAuthorizedV0() ([]protocol.DomainMessage, error) {
	if m.initiating != InitiatingTrustPending {
		return m.fail("unexpected AuthorizedV0")
	}
	m.initiating = InitiatingAuthorizedAndComplete
	return nil, nil
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
