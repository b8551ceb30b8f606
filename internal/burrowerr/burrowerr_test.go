package burrowerr

import (
	"errors"
	"testing"
)

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(StorageFailure, "store.Put", nil) != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := New(NotFound, "store.Get", "no such key")
	if !Is(err, NotFound) {
		t.Error("Is should match the error's own kind")
	}
	if Is(err, Denied) {
		t.Error("Is should not match an unrelated kind")
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("boltdb: bucket not found")
	wrapped := Wrap(StorageFailure, "store.Get", cause)

	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should reach the original cause via Unwrap")
	}
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := New(Denied, "acl.IsAllowed", "sender not in contact list")
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
}
