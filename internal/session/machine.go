package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/keys"
)

// machine is the state of a single (project, session) pair. The DEK lives
// only in the enclave and only while state is Unlocked.
type machine struct {
	mu         sync.Mutex
	state      State
	enclave    *memguard.Enclave
	gen        uint64
	verifiedAt time.Time

	// Mirrors of state and verifiedAt for lock-free status reads.
	unlocked atomic.Bool
	verified atomic.Int64
}

// begin moves Locked or Error to Unlocking and returns the attempt's
// generation.
func (m *machine) begin() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Unlocking:
		return 0, fmt.Errorf("session: unlock already in progress: %w", apperr.ErrConflict)
	case Unlocked:
		return 0, fmt.Errorf("session: already unlocked: %w", apperr.ErrConflict)
	}
	m.gen++
	m.state = Unlocking
	return m.gen, nil
}

// finish caches dek and moves to Unlocked if no purge happened since begin.
// dek is wiped in every case.
func (m *machine) finish(gen uint64, dek []byte, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen || m.state != Unlocking {
		keys.Zero(dek)
		return false
	}
	m.enclave = memguard.NewBufferFromBytes(dek).Seal()
	m.state = Unlocked
	m.setVerified(now)
	m.unlocked.Store(true)
	return true
}

// abort ends an attempt in the given state without caching anything.
func (m *machine) abort(gen uint64, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen || m.state != Unlocking {
		return false
	}
	m.state = to
	return true
}

// purge drops any cached key and returns to Locked. It also invalidates an
// in-flight unlock. Reports whether there was anything to drop.
func (m *machine) purge() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	had := m.state == Unlocked || m.state == Unlocking
	m.gen++
	m.enclave = nil
	m.state = Locked
	m.unlocked.Store(false)
	return had
}

// open returns a private copy of the DEK for one operation. The caller owns
// the buffer and must Destroy it. A stale verification purges the cache.
func (m *machine) open(now time.Time, maxStale time.Duration) (*memguard.LockedBuffer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Unlocked || m.enclave == nil {
		return nil, false, fmt.Errorf("session: %w", apperr.ErrSessionLocked)
	}
	if maxStale > 0 && now.Sub(m.verifiedAt) > maxStale {
		m.dropLocked()
		return nil, true, fmt.Errorf("session: verification expired: %w", apperr.ErrSessionLocked)
	}
	buf, err := m.enclave.Open()
	if err != nil {
		m.dropLocked()
		return nil, true, fmt.Errorf("session: open cached key: %w", apperr.ErrSessionLocked)
	}
	return buf, false, nil
}

func (m *machine) dropLocked() {
	m.gen++
	m.enclave = nil
	m.state = Locked
	m.unlocked.Store(false)
}

// markVerified records a successful revalidation. It is ignored unless the
// machine is still Unlocked.
func (m *machine) markVerified(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Unlocked {
		m.setVerified(now)
	}
}

func (m *machine) setVerified(now time.Time) {
	m.verifiedAt = now
	m.verified.Store(now.UnixNano())
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// fresh is the lock-free fast path used by status reads.
func (m *machine) fresh(now time.Time, maxStale time.Duration) bool {
	if !m.unlocked.Load() {
		return false
	}
	if maxStale <= 0 {
		return true
	}
	return now.Sub(time.Unix(0, m.verified.Load())) <= maxStale
}
