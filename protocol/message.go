// Package protocol defines the NetworkMessage envelope's domain payloads:
// the nested tagged messages carried inside a wire.Envelope's payload for
// each of the top-level message types in the wire protocol. It follows
// the familiar lnwire.Message/MessageType/makeEmptyMessage convention,
// generalized to ride on the internal/wire TLV codec instead of lnwire's
// fixed binary structs.
package protocol

import (
	"bytes"
	"io"

	"github.com/splinter-mesh/splinter/internal/wire"
	"github.com/splinter-mesh/splinter/internal/xerrors"
)

// MessageType identifies which domain a NetworkMessage's payload belongs
// to, the outer discriminant of wire.Envelope.Type.
type MessageType uint16

const (
	MsgAuthorization MessageType = 1
	MsgCircuit       MessageType = 2
	MsgAdmin         MessageType = 3
	MsgScabbard      MessageType = 4
	MsgEcho          MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case MsgAuthorization:
		return "authorization"
	case MsgCircuit:
		return "circuit"
	case MsgAdmin:
		return "admin"
	case MsgScabbard:
		return "scabbard"
	case MsgEcho:
		return "echo"
	default:
		return "unknown"
	}
}

// DomainMessage is anything that can serialize itself to/from a TLV record
// stream, the payload riding inside one wire.Envelope.
type DomainMessage interface {
	// MsgType returns this message's discriminant within its domain (e.g.
	// the sub-type distinguishing AuthProtocolRequest from AuthComplete).
	MsgType() uint16
	Encode(w io.Writer) error
	Decode(r io.Reader) error
}

// emptyMessageFunc constructs a zero-valued DomainMessage for a given
// domain sub-type, mirroring lnwire's makeEmptyMessage factory switch.
type emptyMessageFunc func() DomainMessage

var registries = map[MessageType]map[uint16]emptyMessageFunc{
	MsgAuthorization: authMessageFactories,
	MsgCircuit:       circuitMessageFactories,
	MsgAdmin:         adminMessageFactories,
	MsgScabbard:      scabbardMessageFactories,
	MsgEcho:          echoMessageFactories,
}

// EncodeEnvelope serializes a DomainMessage into a wire.Envelope ready for
// transport-level framing. The domain sub-type is carried as TLV type 0 so
// DecodeEnvelope can pick the right factory before parsing the rest.
func EncodeEnvelope(domain MessageType, msg DomainMessage) (wire.Envelope, error) {
	var body bytes.Buffer
	if err := msg.Encode(&body); err != nil {
		return wire.Envelope{}, xerrors.New(xerrors.Internal, "protocol.EncodeEnvelope", err)
	}

	var framed bytes.Buffer
	records := []wire.Record{
		{Type: 0, Value: uint16Bytes(msg.MsgType())},
		{Type: 1, Value: body.Bytes()},
	}
	if err := wire.EncodeRecords(&framed, records); err != nil {
		return wire.Envelope{}, xerrors.New(xerrors.Internal, "protocol.EncodeEnvelope", err)
	}

	return wire.Envelope{Type: wire.MessageType(domain), Payload: framed.Bytes()}, nil
}

// DecodeEnvelope reverses EncodeEnvelope, looking up the matching factory
// for domain/sub-type and decoding the TLV body into it.
func DecodeEnvelope(env wire.Envelope) (DomainMessage, error) {
	domain := MessageType(env.Type)
	factories, ok := registries[domain]
	if !ok {
		return nil, xerrors.New(xerrors.ProtocolViolation, "protocol.DecodeEnvelope", nil)
	}

	records, err := wire.DecodeRecords(bytes.NewReader(env.Payload))
	if err != nil {
		return nil, xerrors.New(xerrors.ProtocolViolation, "protocol.DecodeEnvelope", err)
	}

	subTypeRec, ok := wire.FindRecord(records, 0)
	if !ok || len(subTypeRec.Value) != 2 {
		return nil, xerrors.New(xerrors.ProtocolViolation, "protocol.DecodeEnvelope", nil)
	}
	subType := uint16(subTypeRec.Value[0])<<8 | uint16(subTypeRec.Value[1])

	factory, ok := factories[subType]
	if !ok {
		return nil, xerrors.New(xerrors.ProtocolViolation, "protocol.DecodeEnvelope", nil)
	}

	bodyRec, ok := wire.FindRecord(records, 1)
	if !ok {
		return nil, xerrors.New(xerrors.ProtocolViolation, "protocol.DecodeEnvelope", nil)
	}

	msg := factory()
	if err := msg.Decode(bytes.NewReader(bodyRec.Value)); err != nil {
		return nil, xerrors.New(xerrors.ProtocolViolation, "protocol.DecodeEnvelope", err)
	}
	return msg, nil
}

func uint16Bytes(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

// readAllRecords is a small helper domain files use to parse their TLV body
// in one call instead of repeating the DecodeRecords+error-wrap dance.
func readAllRecords(r io.Reader) ([]wire.Record, error) {
	records, err := wire.DecodeRecords(r)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return records, nil
}
