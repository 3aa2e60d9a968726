package protocol

import (
	"io"

	"github.com/splinter-mesh/splinter/internal/wire"
)

// Sub-types within MsgScabbard, one per message named in the two-phase
// batch commit protocol.
const (
	subNewBatch          uint16 = 1
	subScabbardProposal  uint16 = 2
	subScabbardVote      uint16 = 3
	subScabbardCommit    uint16 = 4
	subScabbardAbort     uint16 = 5
	subTooManyRequests   uint16 = 6
	subAcceptingRequests uint16 = 7
)

var scabbardMessageFactories = map[uint16]emptyMessageFunc{
	subNewBatch:          func() DomainMessage { return &NewBatch{} },
	subScabbardProposal:  func() DomainMessage { return &Proposal{} },
	subScabbardVote:      func() DomainMessage { return &Vote{} },
	subScabbardCommit:    func() DomainMessage { return &Commit{} },
	subScabbardAbort:     func() DomainMessage { return &Abort{} },
	subTooManyRequests:   func() DomainMessage { return &TooManyRequests{} },
	subAcceptingRequests: func() DomainMessage { return &AcceptingRequests{} },
}

// NewBatch forwards a client-submitted batch from a non-coordinator to the
// coordinator for ordering.
type NewBatch struct {
	BatchID    string
	BatchBytes []byte
}

func (m *NewBatch) MsgType() uint16 { return subNewBatch }

func (m *NewBatch) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{
		{Type: 1, Value: []byte(m.BatchID)},
		{Type: 2, Value: m.BatchBytes},
	})
}

func (m *NewBatch) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.BatchID = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 2); ok {
		m.BatchBytes = rec.Value
	}
	return nil
}

// Proposal is the coordinator's broadcast of a speculatively-executed
// batch and the state root it expects every follower to reproduce.
type Proposal struct {
	ProposalID        string
	PreviousID        string
	BatchID           string
	BatchBytes        []byte
	ExpectedStateRoot []byte
}

func (m *Proposal) MsgType() uint16 { return subScabbardProposal }

func (m *Proposal) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{
		{Type: 1, Value: []byte(m.ProposalID)},
		{Type: 2, Value: []byte(m.PreviousID)},
		{Type: 3, Value: []byte(m.BatchID)},
		{Type: 4, Value: m.BatchBytes},
		{Type: 5, Value: m.ExpectedStateRoot},
	})
}

func (m *Proposal) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.ProposalID = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 2); ok {
		m.PreviousID = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 3); ok {
		m.BatchID = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 4); ok {
		m.BatchBytes = rec.Value
	}
	if rec, ok := wire.FindRecord(records, 5); ok {
		m.ExpectedStateRoot = rec.Value
	}
	return nil
}

// Vote is a follower's approve/reject reply to a Proposal.
type Vote struct {
	ProposalID string
	VoterID    string
	Approve    bool
	Reason     string
}

func (m *Vote) MsgType() uint16 { return subScabbardVote }

func (m *Vote) Encode(w io.Writer) error {
	approve := byte(0)
	if m.Approve {
		approve = 1
	}
	return wire.EncodeRecords(w, []wire.Record{
		{Type: 1, Value: []byte(m.ProposalID)},
		{Type: 2, Value: []byte(m.VoterID)},
		{Type: 3, Value: []byte{approve}},
		{Type: 4, Value: []byte(m.Reason)},
	})
}

func (m *Vote) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.ProposalID = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 2); ok {
		m.VoterID = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 3); ok && len(rec.Value) == 1 {
		m.Approve = rec.Value[0] == 1
	}
	if rec, ok := wire.FindRecord(records, 4); ok {
		m.Reason = string(rec.Value)
	}
	return nil
}

// Commit directs every member to atomically apply proposal_id's state
// delta, advance its commit-hash store, and emit events to subscribers.
type Commit struct {
	ProposalID string
}

func (m *Commit) MsgType() uint16 { return subScabbardCommit }

func (m *Commit) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{{Type: 1, Value: []byte(m.ProposalID)}})
}

func (m *Commit) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.ProposalID = string(rec.Value)
	}
	return nil
}

// Abort marks proposal_id invalid in every member's batch history, either
// because a follower rejected it or the coordinator's vote window expired.
type Abort struct {
	ProposalID string
	Reason     string
}

func (m *Abort) MsgType() uint16 { return subScabbardAbort }

func (m *Abort) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{
		{Type: 1, Value: []byte(m.ProposalID)},
		{Type: 2, Value: []byte(m.Reason)},
	})
}

func (m *Abort) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.ProposalID = string(rec.Value)
	}
	if rec, ok := wire.FindRecord(records, 2); ok {
		m.Reason = string(rec.Value)
	}
	return nil
}

// TooManyRequests is the coordinator's back-pressure signal, broadcast when
// its pending-batch queue crosses the configured high-water mark.
type TooManyRequests struct{}

func (m *TooManyRequests) MsgType() uint16          { return subTooManyRequests }
func (m *TooManyRequests) Encode(w io.Writer) error { return wire.EncodeRecords(w, nil) }
func (m *TooManyRequests) Decode(r io.Reader) error { _, err := readAllRecords(r); return err }

// AcceptingRequests lifts a prior TooManyRequests signal.
type AcceptingRequests struct{}

func (m *AcceptingRequests) MsgType() uint16          { return subAcceptingRequests }
func (m *AcceptingRequests) Encode(w io.Writer) error { return wire.EncodeRecords(w, nil) }
func (m *AcceptingRequests) Decode(r io.Reader) error { _, err := readAllRecords(r); return err }
