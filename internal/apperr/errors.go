// Package apperr defines the sentinel errors shared across packages.
// Callers wrap them with context and match with errors.Is.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
)

var (
	// ErrInvalidInput is a policy violation caught before any cryptographic call.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDecryptionFailed covers wrong keys and corrupted ciphertext alike.
	// Nothing wrapping it may reveal which of the two occurred.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrSessionLocked means the operation needs an unwrapped key the session does not hold.
	ErrSessionLocked = errors.New("session locked")

	// ErrUnauthenticated means no credential could be resolved.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNetworkUnavailable means a status or credential call could not reach its peer.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrCorruptedRecord means a chunk has neither a valid plaintext nor a valid encrypted pair.
	ErrCorruptedRecord = errors.New("corrupted record")
)
