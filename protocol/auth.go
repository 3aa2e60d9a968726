package protocol

import (
	"io"

	"github.com/splinter-mesh/splinter/internal/wire"
)

// Sub-type discriminants within MsgAuthorization, one per message named in
// the v1 protocol flow, plus the v0 fallback sequence.
const (
	subAuthProtocolRequest        uint16 = 1
	subAuthProtocolResponse       uint16 = 2
	subAuthTrustRequest           uint16 = 3
	subAuthTrustResponse          uint16 = 4
	subAuthChallengeNonceRequest  uint16 = 5
	subAuthChallengeNonceResponse uint16 = 6
	subAuthChallengeSubmitRequest uint16 = 7
	subAuthChallengeSubmitRespons uint16 = 8
	subAuthComplete               uint16 = 9
	subAuthorizationError         uint16 = 10
	subConnectRequestV0           uint16 = 11
	subConnectResponseV0          uint16 = 12
	subTrustRequestV0             uint16 = 13
	subAuthorizedV0               uint16 = 14
)

var authMessageFactories = map[uint16]emptyMessageFunc{
	subAuthProtocolRequest:        func() DomainMessage { return &AuthProtocolRequest{} },
	subAuthProtocolResponse:       func() DomainMessage { return &AuthProtocolResponse{} },
	subAuthTrustRequest:           func() DomainMessage { return &AuthTrustRequest{} },
	subAuthTrustResponse:          func() DomainMessage { return &AuthTrustResponse{} },
	subAuthChallengeNonceRequest:  func() DomainMessage { return &AuthChallengeNonceRequest{} },
	subAuthChallengeNonceResponse: func() DomainMessage { return &AuthChallengeNonceResponse{} },
	subAuthChallengeSubmitRequest: func() DomainMessage { return &AuthChallengeSubmitRequest{} },
	subAuthChallengeSubmitRespons: func() DomainMessage { return &AuthChallengeSubmitResponse{} },
	subAuthComplete:               func() DomainMessage { return &AuthComplete{} },
	subAuthorizationError:         func() DomainMessage { return &AuthorizationError{} },
	subConnectRequestV0:           func() DomainMessage { return &ConnectRequestV0{} },
	subConnectResponseV0:          func() DomainMessage { return &ConnectResponseV0{} },
	subTrustRequestV0:             func() DomainMessage { return &TrustRequestV0{} },
	subAuthorizedV0:               func() DomainMessage { return &AuthorizedV0{} },
}

// AuthProtocolRequest advertises the [min, max] protocol range this node
// supports; the remote replies with whichever version both sides accept.
type AuthProtocolRequest struct {
	Min uint32
	Max uint32
}

func (m *AuthProtocolRequest) MsgType() uint16 { return subAuthProtocolRequest }

func (m *AuthProtocolRequest) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{
		{Type: 1, Value: putUint32(m.Min)},
		{Type: 2, Value: putUint32(m.Max)},
	})
}

func (m *AuthProtocolRequest) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.Min = getUint32(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 2); ok {
		m.Max = getUint32(rec.Value)
	}
	return nil
}

// AuthProtocolResponse names the chosen version and which authorization
// types (trust, challenge) the responder is willing to accept.
type AuthProtocolResponse struct {
	Chosen        uint32
	AcceptedTypes []uint16
}

func (m *AuthProtocolResponse) MsgType() uint16 { return subAuthProtocolResponse }

func (m *AuthProtocolResponse) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{
		{Type: 1, Value: putUint32(m.Chosen)},
		{Type: 2, Value: encodeUint16List(m.AcceptedTypes)},
	})
}

func (m *AuthProtocolResponse) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.Chosen = getUint32(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 2); ok {
		m.AcceptedTypes = decodeUint16List(rec.Value)
	}
	return nil
}

// AuthTrustRequest asserts the requester's claimed identity directly, no
// signature involved — the "Trust" authorization type.
type AuthTrustRequest struct {
	Identity string
}

func (m *AuthTrustRequest) MsgType() uint16 { return subAuthTrustRequest }

func (m *AuthTrustRequest) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{{Type: 1, Value: []byte(m.Identity)}})
}

func (m *AuthTrustRequest) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.Identity = string(rec.Value)
	}
	return nil
}

// AuthTrustResponse acknowledges a trust request; it carries no payload.
type AuthTrustResponse struct{}

func (m *AuthTrustResponse) MsgType() uint16            { return subAuthTrustResponse }
func (m *AuthTrustResponse) Encode(w io.Writer) error   { return wire.EncodeRecords(w, nil) }
func (m *AuthTrustResponse) Decode(r io.Reader) error   { _, err := readAllRecords(r); return err }

// AuthChallengeNonceRequest asks the acceptor to mint a fresh nonce.
type AuthChallengeNonceRequest struct{}

func (m *AuthChallengeNonceRequest) MsgType() uint16          { return subAuthChallengeNonceRequest }
func (m *AuthChallengeNonceRequest) Encode(w io.Writer) error { return wire.EncodeRecords(w, nil) }
func (m *AuthChallengeNonceRequest) Decode(r io.Reader) error { _, err := readAllRecords(r); return err }

// AuthChallengeNonceResponse carries the fresh random nonce (≥64 bytes per
// the requester must sign with each claimed public key.
type AuthChallengeNonceResponse struct {
	Nonce []byte
}

func (m *AuthChallengeNonceResponse) MsgType() uint16 { return subAuthChallengeNonceResponse }

func (m *AuthChallengeNonceResponse) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{{Type: 1, Value: m.Nonce}})
}

func (m *AuthChallengeNonceResponse) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.Nonce = rec.Value
	}
	return nil
}

// ChallengeSubmission pairs one claimed public key with its signature over
// the challenge nonce; a submit request may carry more than one, letting a
// peer claim multiple identities simultaneously.
type ChallengeSubmission struct {
	PublicKey []byte
	Signature []byte
}

// AuthChallengeSubmitRequest answers a nonce challenge with one or more
// (public_key, signature) pairs.
type AuthChallengeSubmitRequest struct {
	Submissions []ChallengeSubmission
}

func (m *AuthChallengeSubmitRequest) MsgType() uint16 { return subAuthChallengeSubmitRequest }

func (m *AuthChallengeSubmitRequest) Encode(w io.Writer) error {
	records := make([]wire.Record, 0, len(m.Submissions)*2)
	for i, s := range m.Submissions {
		records = append(records,
			wire.Record{Type: uint64(2 * i), Value: s.PublicKey},
			wire.Record{Type: uint64(2*i + 1), Value: s.Signature},
		)
	}
	return wire.EncodeRecords(w, records)
}

func (m *AuthChallengeSubmitRequest) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	byType := make(map[uint64][]byte, len(records))
	for _, rec := range records {
		byType[rec.Type] = rec.Value
	}
	m.Submissions = m.Submissions[:0]
	for i := 0; ; i++ {
		pub, ok := byType[uint64(2*i)]
		if !ok {
			break
		}
		sig := byType[uint64(2*i+1)]
		m.Submissions = append(m.Submissions, ChallengeSubmission{PublicKey: pub, Signature: sig})
	}
	return nil
}

// AuthChallengeSubmitResponse names which of the submitted public keys the
// acceptor selected as the peer's authorized identity.
type AuthChallengeSubmitResponse struct {
	PublicKey []byte
}

func (m *AuthChallengeSubmitResponse) MsgType() uint16 { return subAuthChallengeSubmitRespons }

func (m *AuthChallengeSubmitResponse) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{{Type: 1, Value: m.PublicKey}})
}

func (m *AuthChallengeSubmitResponse) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.PublicKey = rec.Value
	}
	return nil
}

// AuthComplete is sent by a side whose Initiating track has had its trust
// or challenge submission accepted and now sits in WaitForComplete; a
// machine that receives it while its own Initiating track is in
// WaitForComplete moves that track to AuthorizedAndComplete.
type AuthComplete struct{}

func (m *AuthComplete) MsgType() uint16          { return subAuthComplete }
func (m *AuthComplete) Encode(w io.Writer) error { return wire.EncodeRecords(w, nil) }
func (m *AuthComplete) Decode(r io.Reader) error { _, err := readAllRecords(r); return err }

// AuthorizationError reports a protocol violation or signature failure that
// drops the connection on both tracks.
type AuthorizationError struct {
	Message string
}

func (m *AuthorizationError) MsgType() uint16 { return subAuthorizationError }

func (m *AuthorizationError) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{{Type: 1, Value: []byte(m.Message)}})
}

func (m *AuthorizationError) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.Message = string(rec.Value)
	}
	return nil
}

// ConnectRequestV0/ConnectResponseV0/TrustRequestV0/AuthorizedV0 implement
// the shorter "trust v0" fallback sequence selected when the first bytes
// observed on a connection don't match the v1 protocol request shape.
type ConnectRequestV0 struct{}

func (m *ConnectRequestV0) MsgType() uint16          { return subConnectRequestV0 }
func (m *ConnectRequestV0) Encode(w io.Writer) error { return wire.EncodeRecords(w, nil) }
func (m *ConnectRequestV0) Decode(r io.Reader) error { _, err := readAllRecords(r); return err }

type ConnectResponseV0 struct{}

func (m *ConnectResponseV0) MsgType() uint16          { return subConnectResponseV0 }
func (m *ConnectResponseV0) Encode(w io.Writer) error { return wire.EncodeRecords(w, nil) }
func (m *ConnectResponseV0) Decode(r io.Reader) error { _, err := readAllRecords(r); return err }

type TrustRequestV0 struct {
	Identity string
}

func (m *TrustRequestV0) MsgType() uint16 { return subTrustRequestV0 }

func (m *TrustRequestV0) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{{Type: 1, Value: []byte(m.Identity)}})
}

func (m *TrustRequestV0) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.Identity = string(rec.Value)
	}
	return nil
}

type AuthorizedV0 struct{}

func (m *AuthorizedV0) MsgType() uint16          { return subAuthorizedV0 }
func (m *AuthorizedV0) Encode(w io.Writer) error { return wire.EncodeRecords(w, nil) }
func (m *AuthorizedV0) Decode(r io.Reader) error { _, err := readAllRecords(r); return err }
