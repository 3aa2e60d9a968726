// Package idgen generates random, collision-resistant opaque identifiers
// with no ordering semantics. No other package in this repository calls
// it: scabbard's batch, proposal and event IDs are derived from the batch
// bytes and from commit sequence numbers instead.
package idgen

import "github.com/google/uuid"

// New returns a fresh random identifier, string-formatted as a standard
// UUID.
func New() string {
	return uuid.NewString()
}
