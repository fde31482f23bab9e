package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/keys"
	"github.com/starford/sigil/internal/metrics"
)

// Manager owns every unlock state machine in the process, keyed by
// (project, session). It is safe for concurrent use.
type Manager struct {
	deriver  keys.KDF
	source   KeySource
	checker  StatusChecker
	logger   *slog.Logger
	maxStale time.Duration
	observer Observer
	now      func() time.Time

	mu       sync.Mutex
	machines map[Key]*machine
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMaxStaleness bounds how long a cached key may be used without a
// successful revalidation. Zero disables the bound.
func WithMaxStaleness(d time.Duration) Option {
	return func(m *Manager) { m.maxStale = d }
}

// WithObserver registers a callback for state changes.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. checker is the authority consulted on every
// revalidation and is required.
func NewManager(deriver keys.KDF, source KeySource, checker StatusChecker, opts ...Option) *Manager {
	m := &Manager{
		deriver:  deriver,
		source:   source,
		checker:  checker,
		logger:   slog.Default(),
		now:      time.Now,
		machines: make(map[Key]*machine),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// acquire starts an unlock attempt on the registered machine for key. The
// lookup and begin share one critical section so a concurrent purge either
// happens first, and a fresh machine is registered, or bumps the attempt's
// generation.
func (mgr *Manager) acquire(key Key) (*machine, uint64, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	m, ok := mgr.machines[key]
	if !ok {
		m = &machine{}
		mgr.machines[key] = m
	}
	gen, err := m.begin()
	if err != nil {
		return nil, 0, err
	}
	return m, gen, nil
}

func (mgr *Manager) lookup(key Key) *machine {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.machines[key]
}

// Submit runs one unlock attempt with passphrase. On success the DEK is
// cached for key. A wrong passphrase returns ErrDecryptionFailed and leaves
// the pair Locked; an unusable project record moves it to Error.
func (mgr *Manager) Submit(ctx context.Context, key Key, passphrase []byte) error {
	m, gen, err := mgr.acquire(key)
	if err != nil {
		return err
	}
	mgr.emit(key, Unlocking, "")

	dek, err := mgr.unwrap(ctx, key, passphrase)
	switch {
	case err == nil:
		if !m.finish(gen, dek, mgr.now()) {
			metrics.RecordUnlock("cancelled")
			return fmt.Errorf("session: unlock superseded: %w", apperr.ErrSessionLocked)
		}
		metrics.RecordUnlock("ok")
		mgr.logger.Info("project unlocked", "project_id", key.ProjectID, "session_id", key.SessionID)
		mgr.emit(key, Unlocked, "")
		return nil

	case errors.Is(err, apperr.ErrDecryptionFailed):
		metrics.RecordUnlock("failed")
		mgr.logger.Warn("unlock failed", "project_id", key.ProjectID, "session_id", key.SessionID)
		if m.abort(gen, Locked) {
			mgr.emit(key, Locked, "unlock_failed")
		}
		return fmt.Errorf("session: unlock failed: %w", apperr.ErrDecryptionFailed)

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, apperr.ErrInvalidInput), errors.Is(err, apperr.ErrNotFound):
		metrics.RecordUnlock("cancelled")
		if m.abort(gen, Locked) {
			mgr.emit(key, Locked, "")
		}
		return err

	default:
		metrics.RecordUnlock("error")
		mgr.logger.Error("unlock error", "project_id", key.ProjectID, "error", err)
		if m.abort(gen, Error) {
			mgr.emit(key, Error, "")
		}
		return err
	}
}

// unwrap derives the KEK and opens the project's wrapped DEK. The KEK is
// wiped before returning.
func (mgr *Manager) unwrap(ctx context.Context, key Key, passphrase []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := mgr.source.KeyMaterial(ctx, key.ProjectID)
	if err != nil {
		return nil, err
	}
	if !mat.Encrypted() {
		return nil, fmt.Errorf("session: project %s is not encrypted: %w", key.ProjectID, apperr.ErrInvalidInput)
	}
	if len(mat.Wrapped) == 0 || len(mat.Nonce) == 0 || len(mat.Salt) == 0 {
		return nil, fmt.Errorf("session: project %s key material incomplete: %w", key.ProjectID, apperr.ErrCorruptedRecord)
	}

	kek := mgr.deriver.Derive(passphrase, mat.Salt)
	defer keys.Zero(kek)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return keys.Unwrap(mat.Wrapped, mat.Nonce, kek)
}

// WithKey runs fn with the cached DEK for key. fn receives a private copy
// that is destroyed when fn returns, so a purge while fn runs does not
// affect it; the next call sees the purge. Returns ErrSessionLocked when
// no usable key is cached.
func (mgr *Manager) WithKey(key Key, fn func(dek []byte) error) error {
	m := mgr.lookup(key)
	if m == nil {
		return fmt.Errorf("session: %w", apperr.ErrSessionLocked)
	}
	buf, purged, err := m.open(mgr.now(), mgr.maxStale)
	if purged {
		mgr.afterPurge(key, ReasonStale)
	}
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// State reports the current state of key.
func (mgr *Manager) State(key Key) State {
	m := mgr.lookup(key)
	if m == nil {
		return Locked
	}
	return m.current()
}

// IsUnlocked reports whether key has a cached DEK verified within the
// staleness bound. It takes no locks.
func (mgr *Manager) IsUnlocked(key Key) bool {
	m := mgr.lookup(key)
	return m != nil && m.fresh(mgr.now(), mgr.maxStale)
}

// Lock purges the cached key for one pair.
func (mgr *Manager) Lock(key Key) {
	mgr.purge(key, ReasonLock)
}

// SignOut purges every pair belonging to sessionID.
func (mgr *Manager) SignOut(sessionID string) {
	for _, key := range mgr.keys(func(k Key) bool { return k.SessionID == sessionID }) {
		mgr.purge(key, ReasonSignOut)
	}
}

// Teardown purges everything. Called on shutdown.
func (mgr *Manager) Teardown() {
	for _, key := range mgr.keys(nil) {
		mgr.purge(key, ReasonTeardown)
	}
}

func (mgr *Manager) keys(match func(Key) bool) []Key {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]Key, 0, len(mgr.machines))
	for k := range mgr.machines {
		if match == nil || match(k) {
			out = append(out, k)
		}
	}
	return out
}

func (mgr *Manager) purge(key Key, reason string) {
	mgr.mu.Lock()
	m := mgr.machines[key]
	delete(mgr.machines, key)
	mgr.mu.Unlock()

	if m == nil {
		return
	}
	if m.purge() {
		mgr.afterPurge(key, reason)
	}
}

func (mgr *Manager) afterPurge(key Key, reason string) {
	metrics.RecordPurge(reason)
	mgr.logger.Info("cached key purged", "project_id", key.ProjectID, "session_id", key.SessionID, "reason", reason)
	mgr.emit(key, Locked, reason)
}

func (mgr *Manager) emit(key Key, s State, reason string) {
	if mgr.observer != nil {
		mgr.observer(key, s, reason)
	}
}
