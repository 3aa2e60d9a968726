package protocol

import (
	"io"

	"github.com/splinter-mesh/splinter/internal/wire"
)

const subEchoPing uint16 = 1

var echoMessageFactories = map[uint16]emptyMessageFunc{
	subEchoPing: func() DomainMessage { return &Echo{} },
}

// Echo is a trivial loopback payload used by dispatcher and mesh tests; it
// has no role in the consensus protocols themselves.
type Echo struct {
	Payload []byte
}

func (m *Echo) MsgType() uint16 { return subEchoPing }

func (m *Echo) Encode(w io.Writer) error {
	return wire.EncodeRecords(w, []wire.Record{{Type: 1, Value: m.Payload}})
}

func (m *Echo) Decode(r io.Reader) error {
	records, err := readAllRecords(r)
	if err != nil {
		return err
	}
	if rec, ok := wire.FindRecord(records, 1); ok {
		m.Payload = rec.Value
	}
	return nil
}
