package scabbard

import "encoding/json"

// BatchStatus is a batch's position in the Pending → {Valid → Committed |
// Invalid} lifecycle.
type BatchStatus byte

const (
	BatchPending BatchStatus = iota
	BatchValid
	BatchCommitted
	BatchInvalid
)

func (s BatchStatus) String() string {
	switch s {
	case BatchPending:
		return "Pending"
	case BatchValid:
		return "Valid"
	case BatchCommitted:
		return "Committed"
	case BatchInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Receipt records one committed batch's state changes and the root they
// produced; the receipt store is append-only, indexed by batch ID and by
// commit sequence number.
type Receipt struct {
	BatchID      string
	Sequence     uint64
	StateChanges map[string][]byte
	Root         []byte
}

// Event is the {event_id, state_changes[], batch_id} tuple pushed to
// subscribers in commit order.
type Event struct {
	EventID      string
	BatchID      string
	StateChanges map[string][]byte
}

type receiptDoc struct {
	BatchID      string            `json:"batch_id"`
	Sequence     uint64            `json:"sequence"`
	StateChanges map[string]string `json:"state_changes"`
	Root         string            `json:"root"`
}

func encodeReceipt(r Receipt) ([]byte, error) {
	return json.Marshal(receiptDoc{
		BatchID:      r.BatchID,
		Sequence:     r.Sequence,
		StateChanges: encodeDelta(r.StateChanges),
		Root:         string(r.Root),
	})
}

func decodeReceipt(raw []byte) (Receipt, error) {
	var doc receiptDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Receipt{}, err
	}
	return Receipt{
		BatchID:      doc.BatchID,
		Sequence:     doc.Sequence,
		StateChanges: decodeDelta(doc.StateChanges),
		Root:         []byte(doc.Root),
	}, nil
}

type eventDoc struct {
	EventID      string            `json:"event_id"`
	BatchID      string            `json:"batch_id"`
	StateChanges map[string]string `json:"state_changes"`
}

func encodeEvent(e Event) ([]byte, error) {
	return json.Marshal(eventDoc{
		EventID:      e.EventID,
		BatchID:      e.BatchID,
		StateChanges: encodeDelta(e.StateChanges),
	})
}

func decodeEvent(raw []byte) (Event, error) {
	var doc eventDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Event{}, err
	}
	return Event{EventID: doc.EventID, BatchID: doc.BatchID, StateChanges: decodeDelta(doc.StateChanges)}, nil
}

// encodeDelta/decodeDelta round-trip a byte-value delta through JSON, which
// cannot carry arbitrary binary map values directly; nil (a tombstone) round
// trips as an empty string, since batch values in the default kvBatchExecutor
// are themselves always valid UTF-8.
func encodeDelta(delta map[string][]byte) map[string]string {
	out := make(map[string]string, len(delta))
	for k, v := range delta {
		out[k] = string(v)
	}
	return out
}

func decodeDelta(delta map[string]string) map[string][]byte {
	out := make(map[string][]byte, len(delta))
	for k, v := range delta {
		out[k] = []byte(v)
	}
	return out
}
