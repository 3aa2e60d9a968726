// Package scabbard implements the per-circuit replicated batch engine: a
// coordinator-driven two-phase commit over a content-addressed Merkle
// state, with an append-only receipt log and a persisted commit-hash
// checkpoint so a restarted node resumes at its last committed root.
package scabbard

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/splinter-mesh/splinter/internal/xerrors"
)

const dbFilePermission = 0600

var (
	stateBucket      = []byte("merkle_state")
	rootBucket       = []byte("commit_hash")
	receiptBucket    = []byte("receipts")
	receiptSeqBucket = []byte("receipts_by_seq")
	batchBucket      = []byte("batch_history")
	eventBucket      = []byte("events")
)

// Store is the bbolt-backed persistence layer for one scabbard service
// instance, one file per (circuit_id, service_id) pair, mirroring
// channeldb/db.go's single-bolt-DB-per-subsystem layout.
type Store struct {
	db   *bbolt.DB
	path string
}

// Open opens (creating if necessary) the bbolt database backing a single
// scabbard service instance's state.
func Open(dataDir, circuitID, serviceID string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, xerrors.New(xerrors.PersistentIo, "scabbard.Open", err)
	}
	path := filepath.Join(dataDir, circuitID+"__"+serviceID+".db")

	db, err := bbolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, xerrors.New(xerrors.PersistentIo, "scabbard.Open", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{stateBucket, rootBucket, receiptBucket, receiptSeqBucket, batchBucket, eventBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.New(xerrors.PersistentIo, "scabbard.Open", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Purge deletes every bucket backing this service's Merkle state, receipts,
// and commit-hash checkpoint, for use after a circuit disband.
func (s *Store) Purge() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{stateBucket, rootBucket, receiptBucket, receiptSeqBucket, batchBucket, eventBucket} {
			if err := tx.DeleteBucket(b); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.New(xerrors.PersistentIo, "scabbard.Purge", err)
	}
	return nil
}

// GetState returns the value stored at address, or ok=false if unset.
func (s *Store) GetState(address string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(stateBucket).Get([]byte(address))
		if v != nil {
			value = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, xerrors.New(xerrors.PersistentIo, "scabbard.GetState", err)
	}
	return value, found, nil
}

// GetStateWithPrefix returns every address/value pair whose address begins
// with prefix, for Service.GetStateWithPrefix range reads.
func (s *Store) GetStateWithPrefix(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(stateBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			out[string(k)] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.New(xerrors.PersistentIo, "scabbard.GetStateWithPrefix", err)
	}
	return out, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ApplyStateDelta atomically writes every changed address and advances the
// commit-hash checkpoint to root per the "every node atomically
// applies the state delta, writes the receipt, advances the commit-hash
// store".
func (s *Store) ApplyStateDelta(delta map[string][]byte, root []byte, batchID string, receipt Receipt) (Event, error) {
	var ev Event
	err := s.db.Update(func(tx *bbolt.Tx) error {
		state := tx.Bucket(stateBucket)
		for addr, v := range delta {
			if v == nil {
				if err := state.Delete([]byte(addr)); err != nil {
					return err
				}
				continue
			}
			if err := state.Put([]byte(addr), v); err != nil {
				return err
			}
		}

		if err := tx.Bucket(rootBucket).Put([]byte("root"), root); err != nil {
			return err
		}

		seq, err := tx.Bucket(receiptSeqBucket).NextSequence()
		if err != nil {
			return err
		}
		receipt.Sequence = seq
		encoded, err := encodeReceipt(receipt)
		if err != nil {
			return err
		}
		if err := tx.Bucket(receiptBucket).Put([]byte(batchID), encoded); err != nil {
			return err
		}
		if err := tx.Bucket(receiptSeqBucket).Put(seqKey(seq), []byte(batchID)); err != nil {
			return err
		}

		ev = Event{EventID: eventID(seq), BatchID: batchID, StateChanges: delta}
		encodedEvent, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		return tx.Bucket(eventBucket).Put(seqKey(seq), encodedEvent)
	})
	if err != nil {
		return Event{}, xerrors.New(xerrors.PersistentIo, "scabbard.ApplyStateDelta", err)
	}
	return ev, nil
}

// eventID renders a bbolt sequence number as a fixed-width, lexicographically
// ordered string so GetEventsSince can resume a cursor scan from it directly.
func eventID(seq uint64) string {
	return string(seqKey(seq))
}

// GetEventsSince replays committed events strictly after sinceEventID (or
// from the beginning, if sinceEventID is empty), in commit order.
func (s *Store) GetEventsSince(sinceEventID string) ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventBucket).Cursor()
		var k, v []byte
		if sinceEventID == "" {
			k, v = c.First()
		} else {
			c.Seek([]byte(sinceEventID))
			k, v = c.Next()
		}
		for ; k != nil; k, v = c.Next() {
			ev, err := decodeEvent(v)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.New(xerrors.PersistentIo, "scabbard.GetEventsSince", err)
	}
	return events, nil
}

// CurrentRoot returns the persisted commit-hash checkpoint, or nil if the
// service has never committed a batch (a freshly opened or purged store).
func (s *Store) CurrentRoot() ([]byte, error) {
	var root []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(rootBucket).Get([]byte("root"))
		if v != nil {
			root = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.New(xerrors.PersistentIo, "scabbard.CurrentRoot", err)
	}
	return root, nil
}

// GetReceipt returns the receipt for batchID, by batch ID index.
func (s *Store) GetReceipt(batchID string) (Receipt, bool, error) {
	var r Receipt
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(receiptBucket).Get([]byte(batchID))
		if v == nil {
			return nil
		}
		decoded, err := decodeReceipt(v)
		if err != nil {
			return err
		}
		r, found = decoded, true
		return nil
	})
	if err != nil {
		return Receipt{}, false, xerrors.New(xerrors.PersistentIo, "scabbard.GetReceipt", err)
	}
	return r, found, nil
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// PutBatchStatus persists a batch history entry.
func (s *Store) PutBatchStatus(batchID string, status BatchStatus) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(batchBucket).Put([]byte(batchID), []byte{byte(status)})
	})
	if err != nil {
		return xerrors.New(xerrors.PersistentIo, "scabbard.PutBatchStatus", err)
	}
	return nil
}

// GetBatchStatus returns a batch's current history status, or ok=false if
// the batch is unknown.
func (s *Store) GetBatchStatus(batchID string) (BatchStatus, bool, error) {
	var status BatchStatus
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(batchBucket).Get([]byte(batchID))
		if v != nil && len(v) == 1 {
			status, found = BatchStatus(v[0]), true
		}
		return nil
	})
	if err != nil {
		return 0, false, xerrors.New(xerrors.PersistentIo, "scabbard.GetBatchStatus", err)
	}
	return status, found, nil
}
