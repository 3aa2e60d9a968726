// Package wire implements the framing and record encoding shared by every
// splinter domain message. It is deliberately small: a 2-byte big-endian
// type plus a length-prefixed payload for the outer NetworkMessage, and a
// varint type/length/value record format for the fields inside a payload,
// so new optional fields can be appended without breaking old readers (the
// wire-compatibility rule). The framing shape is lifted
// directly from lnwire.WriteMessage/ReadMessage; the per-field TLV layer
// reuses lnd/tlv's BigSize varint codec for the type and length prefixes,
// since Splinter's payloads, unlike a single lnwire message struct, need
// additive fields across protocol versions and BigSize is the same
// variable-length encoding BOLT TLV streams use for that purpose.
package wire

import (
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// MaxPayload bounds a single NetworkMessage payload, matching the spirit of
// lnwire.MaxMessagePayload but sized for circuit/admin/scabbard payloads
// rather than a single HTLC update.
const MaxPayload = 16 * 1024 * 1024

// Record is one type-length-value field within a message payload.
type Record struct {
	Type  uint64
	Value []byte
}

// EncodeRecords serializes records in the order given. It does not sort
// them by type, and DecodeRecords does not check their order.
func EncodeRecords(w io.Writer, records []Record) error {
	for _, r := range records {
		if err := writeVarInt(w, r.Type); err != nil {
			return err
		}
		if err := writeVarInt(w, uint64(len(r.Value))); err != nil {
			return err
		}
		if _, err := w.Write(r.Value); err != nil {
			return err
		}
	}
	return nil
}

// DecodeRecords reads every record until EOF and returns them to the
// caller uninterpreted. The DomainMessage.Decode implementations pick out
// the types they know with FindRecord and ignore every other record, odd
// or even; none of them calls IsOptional.
func DecodeRecords(r io.Reader) ([]Record, error) {
	var out []Record
	for {
		typ, err := readVarInt(r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}

		length, err := readVarInt(r)
		if err != nil {
			return nil, err
		}
		if length > MaxPayload {
			return nil, fmt.Errorf("tlv: record type %d declares "+
				"length %d exceeding max payload", typ, length)
		}

		value := make([]byte, length)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, err
		}

		out = append(out, Record{Type: typ, Value: value})
	}
}

// FindRecord returns the first record of the given type, or ok=false.
func FindRecord(records []Record, typ uint64) (Record, bool) {
	for _, r := range records {
		if r.Type == typ {
			return r, true
		}
	}
	return Record{}, false
}

// IsOptional reports whether a TLV type is in the "odd" (optional, may be
// ignored by old readers) range versus "even" (required, must be
// understood).
func IsOptional(typ uint64) bool {
	return typ%2 == 1
}

// writeVarInt and readVarInt delegate to lnd/tlv's BigSize codec: 1 byte for
// values under 0xfd, a 1-byte prefix plus 2/4/8 bytes beyond that, rather
// than a fixed 8 bytes for every type and length prefix.
func writeVarInt(w io.Writer, v uint64) error {
	var buf [8]byte
	return tlv.WriteVarInt(w, v, &buf)
}

func readVarInt(r io.Reader) (uint64, error) {
	var buf [8]byte
	return tlv.ReadVarInt(r, &buf)
}
