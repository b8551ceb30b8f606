// Package appstate implements the sibling app-state file (SPEC_FULL.md
// §4.1/§6): a second, unencrypted go.etcd.io/bbolt database holding
// non-secret local bookkeeping — the Relay Pool's per-subscription
// cursors, the Access-Control Evaluator's audit log, and the Profile &
// Contacts Cache — none of which needs the Identity-derived DB key that
// seals the Persistent MLS Store, matching the ownership rule that
// Identity exclusively owns the MLS Store's key, not all local state.
//
// Grounded on internal/store.Store's bucket-per-collection bbolt layout,
// minus the seal/open encryption step.
package appstate

import (
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/burrowmls/burrow/internal/burrowerr"
)

// Collection names.
const (
	CollectionCursors   = "cursors"
	CollectionAuditLog  = "audit_log"
	CollectionProfiles  = "profiles"
	CollectionContacts  = "contacts"
	CollectionReadMarks = "read_markers"
)

var collections = []string{
	CollectionCursors, CollectionAuditLog, CollectionProfiles,
	CollectionContacts, CollectionReadMarks,
}

// Store is a handle on the unencrypted app-state file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the app-state bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.StorageFailure, "appstate.Open", err)
	}
	s := &Store{db: db}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, c := range collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", c, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, burrowerr.Wrap(burrowerr.StorageFailure, "appstate.Open", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores value under (collection, key).
func (s *Store) Put(collection, key string, value []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection %q", collection)
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return burrowerr.Wrap(burrowerr.StorageFailure, "appstate.Put", err)
	}
	return nil
}

// Get retrieves the value at (collection, key).
func (s *Store) Get(collection, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection %q", collection)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return burrowerr.New(burrowerr.NotFound, "appstate.Get", "no such record")
		}
		value = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		if burrowerr.Is(err, burrowerr.NotFound) {
			return nil, err
		}
		return nil, burrowerr.Wrap(burrowerr.StorageFailure, "appstate.Get", err)
	}
	return value, nil
}

// Delete removes the value at (collection, key), if present.
func (s *Store) Delete(collection, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection %q", collection)
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return burrowerr.Wrap(burrowerr.StorageFailure, "appstate.Delete", err)
	}
	return nil
}

// ListKeys returns every key in collection with the given prefix, sorted
// lexically.
func (s *Store) ListKeys(collection, prefix string) ([]string, error) {
	p := []byte(prefix)
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection %q", collection)
		}
		c := b.Cursor()
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.StorageFailure, "appstate.ListKeys", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Append adds value as the newest entry in collection's append-only ring,
// keyed by a monotonically increasing sequence number, and trims the
// oldest entries once the ring exceeds maxEntries. Used by the
// Access-Control Evaluator's capped audit log (default maxEntries 10000).
func (s *Store) Append(collection string, value []byte, maxEntries int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection %q", collection)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), value); err != nil {
			return err
		}
		return trimRing(b, maxEntries)
	})
}

// trimRing deletes the oldest entries in b until it holds at most
// maxEntries, assuming keys are sequence-ordered (as seqKey produces).
func trimRing(b *bbolt.Bucket, maxEntries int) error {
	count := b.Stats().KeyN
	if count <= maxEntries {
		return nil
	}
	c := b.Cursor()
	k, _ := c.First()
	for i := 0; i < count-maxEntries && k != nil; i++ {
		if err := b.Delete(k); err != nil {
			return err
		}
		k, _ = c.Next()
	}
	return nil
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
