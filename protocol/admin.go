package protocol

import (
	"io"

	"github.com/splinter-mesh/splinter/internal/wire"
)

// Sub-types within MsgAdmin, covering the proposal broadcast and vote
// exchange.
const (
	subProposalSubmit uint16 = 1
	subProposalVote   uint16 = 2
)

var adminMessageFactories = map[uint16]emptyMessageFunc{
	subProposalSubmit: func() DomainMessage { return &ProposalSubmit{} },
	subProposalVote:   func() DomainMessage { return &ProposalVote{} },
}

// ProposalSubmit broadcasts a CircuitProposal from its originating node to
// every member node's admin service. ProposalDoc is the JSON encoding of
// admin.Proposal, kept opaque here so the wire codec doesn't need to know
// about the admin package's Go types.
type ProposalSubmit struct {
	CircuitID     string
	CircuitHash   string
	RequesterNode string
	ProposalDoc   []byte
}

func (m *ProposalSubmit) MsgType() uint16 { return subProposalSubmit }

func (m *ProposalSubmit) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{
		{Type: 1, Value: []byte(m.CircuitID)},
		{Type: 2, Value: []byte(m.CircuitHash)},
		{Type: 3, Value: []byte(m.RequesterNode)},
		{Type: 4, Value: m.ProposalDoc},
	})
}

func (m *ProposalSubmit) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.CircuitID = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 2); ok {
		m.CircuitHash = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 3); ok {
		m.RequesterNode = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 4); ok {
		m.ProposalDoc = rec.Value
	}
	return nil
}

// ProposalVote carries one member's approve/reject decision, tagged with
// circuit_hash so divergent proposals are rejected rather than silently
// cross-counted.
type ProposalVote struct {
	CircuitID   string
	CircuitHash string
	VoterNodeID string
	Approve     bool
	Comment     string
}

func (m *ProposalVote) MsgType() uint16 { return subProposalVote }

func (m *ProposalVote) Encode(w io.Writer) error {
	approve := byte(0)
	if m.Approve {
		approve = 1
	}
	return wire.EncodeRecords(w, []wire.Record{
		{Type: 1, Value: []byte(m.CircuitID)},
		{Type: 2, Value: []byte(m.CircuitHash)},
		{Type: 3, Value: []byte(m.VoterNodeID)},
		{Type: 4, Value: []byte{approve}},
		{Type: 5, Value: []byte(m.Comment)},
	})
}

func (m *ProposalVote) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.CircuitID = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 2); ok {
		m.CircuitHash = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 3); ok {
		m.VoterNodeID = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 4); ok && len(rec.Value) == 1 {
		m.Approve = rec.Value[0] == 1
	}
	if rec, ok := wire.FindRecord(records, 5); ok {
		m.Comment = string(rec.Value)
	}
	return nil
}
