package auth

import (
	"context"
	"sync"
	"time"

	"github.com/starford/sigil/internal/session"
)

type entry struct {
	userID  string
	expires time.Time
}

// Registry tracks live sessions. It is the status authority consulted when
// cached project keys are revalidated in-process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]entry
	now      func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]entry), now: time.Now}
}

// Register records sessionID as live for userID until expires. Registering
// an existing session extends it.
func (r *Registry) Register(sessionID, userID string, expires time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = entry{userID: userID, expires: expires}
}

// Revoke ends a session. Revoking an unknown session is a no-op.
func (r *Registry) Revoke(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Active reports whether sessionID is live and belongs to userID.
func (r *Registry) Active(sessionID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	return ok && e.userID == userID && r.now().Before(e.expires)
}

// Sweep drops expired sessions and returns their ids.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var gone []string
	for id, e := range r.sessions {
		if !now.Before(e.expires) {
			delete(r.sessions, id)
			gone = append(gone, id)
		}
	}
	return gone
}

// Check implements session.StatusChecker.
func (r *Registry) Check(_ context.Context, key session.Key) (session.Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[key.SessionID]
	if !ok || !r.now().Before(e.expires) {
		return session.Status{}, nil
	}
	return session.Status{Unlocked: true, SessionID: key.SessionID}, nil
}

var _ session.StatusChecker = (*Registry)(nil)
