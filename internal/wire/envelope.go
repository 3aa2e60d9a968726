package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType is the top-level NetworkMessage discriminant:
// Authorization, Circuit, Admin, Scabbard, Echo, ... Each domain package
// defines its own constants in this space so the envelope layer never needs
// to know about domain semantics.
type MessageType uint16

// Envelope is the outermost frame every byte-stream connection exchanges:
// a 2-byte type, a 4-byte big-endian payload length, then the payload
// itself. This generalizes lnwire's 2-byte-type-plus-payload framing with
// an explicit length prefix, since splinter connections aren't wrapped in a
// framing-aware confidential channel the way brontide is for lnd.
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// WriteEnvelope writes e to w and returns the number of bytes written.
func WriteEnvelope(w io.Writer, e Envelope) (int, error) {
	if len(e.Payload) > MaxPayload {
		return 0, fmt.Errorf("wire: payload of %d bytes exceeds max %d",
			len(e.Payload), MaxPayload)
	}

	var header [6]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(e.Type))
	binary.BigEndian.PutUint32(header[2:6], uint32(len(e.Payload)))

	n, err := w.Write(header[:])
	if err != nil {
		return n, err
	}
	m, err := w.Write(e.Payload)
	return n + m, err
}

// ReadEnvelope reads the next full Envelope from r.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(header[0:2]))
	length := binary.BigEndian.Uint32(header[2:6])
	if length > MaxPayload {
		return Envelope{}, fmt.Errorf("wire: declared payload length "+
			"%d exceeds max %d", length, MaxPayload)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, err
	}

	return Envelope{Type: msgType, Payload: payload}, nil
}
