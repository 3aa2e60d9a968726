package scabbard

import (
	"encoding/json"

	"github.com/splinter-mesh/splinter/internal/xerrors"
)

// StateReader is the read side of a Store, narrowed so a BatchExecutor can
// read current state without gaining write access.
type StateReader interface {
	GetState(address string) ([]byte, bool, error)
}

// BatchExecutor applies a batch's opaque bytes against the current state and
// returns the resulting address/value changes. Execution must be
// byte-deterministic across every member.
type BatchExecutor interface {
	Execute(batchBytes []byte, state StateReader) (map[string][]byte, error)
}

// kvBatchExecutor is the default BatchExecutor: a batch is a JSON-encoded
// list of address/value writes, applied in order. It gives the engine a
// concrete, deterministic, independently-testable default; a real
// transaction family (smart-contract bytecode, a constraint-checked ledger
// format, …) is expected to supply its own BatchExecutor and is out of
// scope here.
type kvBatchExecutor struct{}

// NewDefaultExecutor returns the default JSON address/value BatchExecutor.
func NewDefaultExecutor() BatchExecutor { return kvBatchExecutor{} }

type kvWrite struct {
	Address string  `json:"address"`
	Value   *string `json:"value"` // nil deletes the address
}

func (kvBatchExecutor) Execute(batchBytes []byte, _ StateReader) (map[string][]byte, error) {
	var writes []kvWrite
	if err := json.Unmarshal(batchBytes, &writes); err != nil {
		return nil, xerrors.New(xerrors.InvalidInput, "scabbard.kvBatchExecutor.Execute", err)
	}

	delta := make(map[string][]byte, len(writes))
	for _, w := range writes {
		if w.Value == nil {
			delta[w.Address] = nil
			continue
		}
		delta[w.Address] = []byte(*w.Value)
	}
	return delta, nil
}
