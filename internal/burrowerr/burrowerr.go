// Package burrowerr provides the kind-tagged error type shared by every
// Burrow package, the same plain fmt.Errorf("...: %w") wrapping style the
// teacher uses throughout internal/mls and internal/crypto, extended with a
// Kind so callers (CLI, daemon, application code) can branch on failure
// category without string-matching error text.
package burrowerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for programmatic handling.
type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	NotInitialised      Kind = "not_initialised"
	NotFound            Kind = "not_found"
	ProtocolViolation   Kind = "protocol_violation"
	CryptoFailure       Kind = "crypto_failure"
	PendingCommitExists Kind = "pending_commit_exists"
	NoPendingCommit     Kind = "no_pending_commit"
	CommitConflict      Kind = "commit_conflict"
	RetryNeeded         Kind = "retry_needed"
	RelayFailure        Kind = "relay_failure"
	StorageFailure      Kind = "storage_failure"
	Denied              Kind = "denied"
	Cancelled           Kind = "cancelled"
	// MediaDecryptionFailed is a dedicated kind (rather than plain
	// CryptoFailure) because the Media Pipeline's contract names this
	// outcome explicitly: both the current and previous epoch's derived
	// key failed to authenticate a downloaded ciphertext.
	MediaDecryptionFailed Kind = "media_decryption_failed"
)

// Error is a Kind-tagged error carrying an operation name and an optional
// wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap builds an Error wrapping err under op and kind. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
