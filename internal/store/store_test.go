package store

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/burrowmls/burrow/internal/burrowerr"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x11}, 32)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mls.db")
	s, err := Open(path, testKey())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundtrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put(CollectionGroups, "group-1", "state", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(CollectionGroups, "group-1", "state")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(CollectionGroups, "nope", "state")
	if !burrowerr.Is(err, burrowerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestCrossGroupIsolation(t *testing.T) {
	s := openTestStore(t)
	s.Put(CollectionMessages, "group-a", "msg-1", []byte("a's message"))
	s.Put(CollectionMessages, "group-b", "msg-1", []byte("b's message"))

	a, _ := s.Get(CollectionMessages, "group-a", "msg-1")
	b, _ := s.Get(CollectionMessages, "group-b", "msg-1")
	if bytes.Equal(a, b) {
		t.Fatal("values should differ per group despite the same subkey")
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	s.Put(CollectionWelcomes, "group-1", "w1", []byte("welcome"))
	if err := s.Delete(CollectionWelcomes, "group-1", "w1"); err != nil {
		t.Fatal(err)
	}
	_, err := s.Get(CollectionWelcomes, "group-1", "w1")
	if !burrowerr.Is(err, burrowerr.NotFound) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
}

func TestListSubkeysSorted(t *testing.T) {
	s := openTestStore(t)
	s.Put(CollectionMessages, "group-1", "msg-3", []byte("c"))
	s.Put(CollectionMessages, "group-1", "msg-1", []byte("a"))
	s.Put(CollectionMessages, "group-1", "msg-2", []byte("b"))
	s.Put(CollectionMessages, "group-2", "msg-1", []byte("other group"))

	keys, err := s.ListSubkeys(CollectionMessages, "group-1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"msg-1", "msg-2", "msg-3"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestTransactionAtomicity(t *testing.T) {
	s := openTestStore(t)
	err := s.Transaction([]Mutation{
		{Collection: CollectionGroups, GroupID: "g1", Subkey: "state", Value: []byte("v1")},
		{Collection: CollectionPendingCommits, GroupID: "g1", Subkey: "pending", Value: []byte("p1")},
	})
	if err != nil {
		t.Fatal(err)
	}
	v1, err := s.Get(CollectionGroups, "g1", "state")
	if err != nil || !bytes.Equal(v1, []byte("v1")) {
		t.Errorf("state = %q, %v", v1, err)
	}
	p1, err := s.Get(CollectionPendingCommits, "g1", "pending")
	if err != nil || !bytes.Equal(p1, []byte("p1")) {
		t.Errorf("pending = %q, %v", p1, err)
	}
}

func TestTransactionRollsBackOnUnknownCollection(t *testing.T) {
	s := openTestStore(t)
	err := s.Transaction([]Mutation{
		{Collection: CollectionGroups, GroupID: "g1", Subkey: "state", Value: []byte("v1")},
		{Collection: "bogus", GroupID: "g1", Subkey: "x", Value: []byte("x")},
	})
	if err == nil {
		t.Fatal("expected error for unknown collection")
	}
	if _, err := s.Get(CollectionGroups, "g1", "state"); !burrowerr.Is(err, burrowerr.NotFound) {
		t.Error("partial write should not have been committed")
	}
}

func TestOpenRejectsWrongKeySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mls.db")
	_, err := Open(path, []byte("too short"))
	if !burrowerr.Is(err, burrowerr.InvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestValuesOpaqueAtRest(t *testing.T) {
	s := openTestStore(t)
	s.Put(CollectionGroups, "group-1", "state", []byte("plaintext-marker"))

	wrongKeyStore := &Store{db: s.db, key: bytes.Repeat([]byte{0x22}, 32)}
	_, err := wrongKeyStore.Get(CollectionGroups, "group-1", "state")
	if err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}
