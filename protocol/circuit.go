package protocol

import (
	"io"

	"github.com/splinter-mesh/splinter/internal/wire"
)

// Sub-types within MsgCircuit: a point lookup of one circuit's stored
// definition and its reply. This file defines the messages and their
// codec only; no package in this repository sends or answers them.
const (
	subCircuitInfoRequest  uint16 = 1
	subCircuitInfoResponse uint16 = 2
)

var circuitMessageFactories = map[uint16]emptyMessageFunc{
	subCircuitInfoRequest:  func() DomainMessage { return &CircuitInfoRequest{} },
	subCircuitInfoResponse: func() DomainMessage { return &CircuitInfoResponse{} },
}

// CircuitInfoRequest asks a peer for its stored definition of circuit_id.
type CircuitInfoRequest struct {
	CircuitID string
}

func (m *CircuitInfoRequest) MsgType() uint16 { return subCircuitInfoRequest }

func (m *CircuitInfoRequest) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{{Type: 1, Value: []byte(m.CircuitID)}})
}

func (m *CircuitInfoRequest) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.CircuitID = string(rec.Value)
	}
	return nil
}

// CircuitInfoResponse carries the circuit definition as opaque bytes in
// CircuitDoc, or Found=false if the responder has no record of it either.
type CircuitInfoResponse struct {
	CircuitID  string
	Found      bool
	CircuitDoc []byte
}

func (m *CircuitInfoResponse) MsgType() uint16 { return subCircuitInfoResponse }

func (m *CircuitInfoResponse) Encode(w io.Writer) error {
	found := byte(0)
	if m.Found {
		found = 1
	}
	return wire.EncodeRecords(w, []wire.Record{
		{Type: 1, Value: []byte(m.CircuitID)},
		{Type: 2, Value: []byte{found}},
		{Type: 3, Value: m.CircuitDoc},
	})
}

func (m *CircuitInfoResponse) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.CircuitID = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 2); ok && len(rec.Value) == 1 {
		m.Found = rec.Value[0] == 1
	}
	if rec, ok := wire.FindRecord(records, 3); ok {
		m.CircuitDoc = rec.Value
	}
	return nil
}
