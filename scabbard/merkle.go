package scabbard

import (
	"encoding/binary"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// computeStateRoot folds delta into prevRoot using blake2b-256, the same
// hash family the authorization challenge digest uses, producing a new
// content-addressed root. Keys are visited in sorted order so the root is
// independent of map iteration order and therefore byte-deterministic
// across every member.
func computeStateRoot(prevRoot []byte, delta map[string][]byte) []byte {
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h, _ := blake2b.New256(nil)
	h.Write(prevRoot)
	for _, k := range keys {
		writeLenPrefixed(h, []byte(k))
		writeLenPrefixed(h, delta[k])
	}
	return h.Sum(nil)
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}
