// Package store implements Burrow's Persistent MLS Store: an encrypted,
// collection-keyed key/value store that owns ciphersuite secrets, key
// packages, pending commits and the message log. Bytes are opaque to
// upper layers — every value is AES-256-GCM sealed under the
// Identity-derived DB key before it ever reaches bbolt.
//
// Grounded on the teacher's internal/storage package: WriteGroupState/
// ReadGroupState, WriteEpochKeys/ReadEpochKeys and friends each wrote one
// named file per (collection, key) pair under a fixed directory layout.
// Burrow replaces the directory-of-files layout with a single
// go.etcd.io/bbolt database (one bucket per collection), since bbolt's
// single-writer/multi-reader snapshot transactions give the "enforce
// serialisability of mutations" requirement for free, where the teacher's
// bare os.WriteFile calls gave no such guarantee.
package store

import (
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/burrowmls/burrow/internal/burrowerr"
	"github.com/burrowmls/burrow/internal/crypto"
)

// Collection names, mirroring the teacher's directory-per-kind layout.
const (
	CollectionKeyPackages  = "key_packages"
	CollectionGroups       = "groups"
	CollectionPendingCommits = "pending_commits"
	CollectionEpochSecrets = "epoch_secrets"
	CollectionMessages     = "messages"
	CollectionWelcomes     = "welcomes"
)

// Store is a handle on the encrypted Persistent MLS Store. A Store is safe
// for concurrent use: bbolt serialises writers and lets readers proceed
// against a consistent mmap snapshot.
type Store struct {
	db  *bbolt.DB
	key []byte // AES-256 key sealing every value
	// dead latches true once a corruption or crypto failure is observed,
	// so a single bad read can't silently continue operating on a store
	// whose integrity is no longer trusted.
	dead bool
}

// Open opens (creating if necessary) the bbolt database at path, sealed
// under dbKey (see identity.Identity.DBKey).
func Open(path string, dbKey []byte) (*Store, error) {
	if len(dbKey) != crypto.AESKeySize {
		return nil, burrowerr.New(burrowerr.InvalidInput, "store.Open", "db key must be 32 bytes")
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.StorageFailure, "store.Open", err)
	}
	s := &Store{db: db, key: dbKey}
	if err := s.ensureCollections(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollections() error {
	collections := []string{
		CollectionKeyPackages, CollectionGroups, CollectionPendingCommits,
		CollectionEpochSecrets, CollectionMessages, CollectionWelcomes,
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, c := range collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", c, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(groupID, subkey string) []byte {
	return []byte(groupID + "\x00" + subkey)
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	nonce, ct, err := crypto.AESGCMEncrypt(s.key, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	if len(sealed) < crypto.IVSize {
		return nil, fmt.Errorf("sealed record too short")
	}
	nonce := sealed[:crypto.IVSize]
	ct := sealed[crypto.IVSize:]
	return crypto.AESGCMDecrypt(s.key, nonce, ct)
}

// Put stores value under (collection, groupID, subkey), sealing it first.
// Keys are structurally namespaced by groupID so cross-group interference
// is impossible even within a shared bucket.
func (s *Store) Put(collection, groupID, subkey string, value []byte) error {
	if s.dead {
		return burrowerr.New(burrowerr.StorageFailure, "store.Put", "store latched dead after prior corruption")
	}
	sealed, err := s.seal(value)
	if err != nil {
		s.dead = true
		return burrowerr.Wrap(burrowerr.CryptoFailure, "store.Put", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection %q", collection)
		}
		return b.Put(recordKey(groupID, subkey), sealed)
	})
	if err != nil {
		return burrowerr.Wrap(burrowerr.StorageFailure, "store.Put", err)
	}
	return nil
}

// Get retrieves and unseals the value at (collection, groupID, subkey).
func (s *Store) Get(collection, groupID, subkey string) ([]byte, error) {
	if s.dead {
		return nil, burrowerr.New(burrowerr.StorageFailure, "store.Get", "store latched dead after prior corruption")
	}
	var sealed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection %q", collection)
		}
		v := b.Get(recordKey(groupID, subkey))
		if v == nil {
			return burrowerr.New(burrowerr.NotFound, "store.Get", "no such record")
		}
		sealed = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		if burrowerr.Is(err, burrowerr.NotFound) {
			return nil, err
		}
		return nil, burrowerr.Wrap(burrowerr.StorageFailure, "store.Get", err)
	}
	plaintext, err := s.open(sealed)
	if err != nil {
		s.dead = true
		return nil, burrowerr.Wrap(burrowerr.CryptoFailure, "store.Get", err)
	}
	return plaintext, nil
}

// Delete removes the value at (collection, groupID, subkey), if present.
func (s *Store) Delete(collection, groupID, subkey string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection %q", collection)
		}
		return b.Delete(recordKey(groupID, subkey))
	})
	if err != nil {
		return burrowerr.Wrap(burrowerr.StorageFailure, "store.Delete", err)
	}
	return nil
}

// ListSubkeys returns every subkey stored under groupID within collection,
// sorted lexically.
func (s *Store) ListSubkeys(collection, groupID string) ([]string, error) {
	prefix := []byte(groupID + "\x00")
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection %q", collection)
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.StorageFailure, "store.ListSubkeys", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// ListGroupIDs returns every distinct groupID with at least one record in
// collection, sorted lexically. Used by callers that need to enumerate
// groups (e.g. "group list") or bookkeeping namespaces (e.g. pending
// welcomes) without already knowing the id.
func (s *Store) ListGroupIDs(collection string) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection %q", collection)
		}
		return b.ForEach(func(k, _ []byte) error {
			for i, c := range k {
				if c == 0 {
					seen[string(k[:i])] = struct{}{}
					return nil
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.StorageFailure, "store.ListGroupIDs", err)
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
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

// Mutation is one write performed inside a Transaction.
type Mutation struct {
	Collection string
	GroupID    string
	Subkey     string
	Value      []byte // nil means delete
}

// Transaction atomically applies a batch of Put/Delete mutations. Either
// all mutations land or none do, giving the Group Engine's multi-record
// writes (e.g. group state + pending commit + epoch secret archive) the
// serialisability the spec requires.
func (s *Store) Transaction(mutations []Mutation) error {
	if s.dead {
		return burrowerr.New(burrowerr.StorageFailure, "store.Transaction", "store latched dead after prior corruption")
	}
	sealedValues := make([][]byte, len(mutations))
	for i, m := range mutations {
		if m.Value == nil {
			continue
		}
		sealed, err := s.seal(m.Value)
		if err != nil {
			s.dead = true
			return burrowerr.Wrap(burrowerr.CryptoFailure, "store.Transaction", err)
		}
		sealedValues[i] = sealed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for i, m := range mutations {
			b := tx.Bucket([]byte(m.Collection))
			if b == nil {
				return fmt.Errorf("unknown collection %q", m.Collection)
			}
			key := recordKey(m.GroupID, m.Subkey)
			if m.Value == nil {
				if err := b.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(key, sealedValues[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return burrowerr.Wrap(burrowerr.StorageFailure, "store.Transaction", err)
	}
	return nil
}
