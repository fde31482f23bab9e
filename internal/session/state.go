// Package session implements the per (project, session) unlock state machine
// and owns the volatile cache of unwrapped project keys.
package session

import (
	"context"

	"github.com/starford/sigil/internal/keys"
)

// State is the access state of one (project, session) pair.
type State int

const (
	Locked State = iota
	Unlocking
	Unlocked
	Error
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Key identifies a cache entry.
type Key struct {
	ProjectID string
	SessionID string
}

// Purge reasons reported to observers and metrics.
const (
	ReasonLock     = "lock"
	ReasonSignOut  = "sign_out"
	ReasonTeardown = "teardown"
	ReasonInvalid  = "status_invalid"
	ReasonCheckErr = "status_error"
	ReasonStale    = "stale"
)

// KeySource loads the persisted key material for a project: the owner's
// kek_salt and the wrapped DEK with its nonce.
type KeySource interface {
	KeyMaterial(ctx context.Context, projectID string) (*keys.Material, error)
}

// Observer is told about every state change. It must not block.
type Observer func(key Key, state State, reason string)
