// Package api implements the Sigil REST API using chi.
package api

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/starford/sigil/internal/auth"
	"github.com/starford/sigil/internal/checksum"
	"github.com/starford/sigil/internal/vault"
)

// clientSessionRe bounds the X-Session-ID header an API key caller may send.
var clientSessionRe = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

// AdminMiddleware guards operator endpoints with a static Bearer token. An
// empty token disables the endpoints entirely.
func AdminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeJSON(w, http.StatusForbidden, errorBody("admin endpoints disabled"))
				return
			}
			got, ok := bearer(r)
			if !ok || !checksum.Equal(got, token) {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}

// Authenticator resolves the caller of a request into an auth.Principal.
//
// A Bearer API key maps to a session id derived from the key and the
// optional X-Session-ID header; that session is (re)registered on every
// request and expires after keyIdle of inactivity. A session cookie must
// carry a valid token whose session is still registered.
type Authenticator struct {
	svc        *vault.Service
	signer     *auth.Signer
	registry   *auth.Registry
	cookieName string
	keyIdle    time.Duration
	now        func() time.Time
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(svc *vault.Service, signer *auth.Signer, registry *auth.Registry, cookieName string, keyIdle time.Duration) *Authenticator {
	return &Authenticator{
		svc:        svc,
		signer:     signer,
		registry:   registry,
		cookieName: cookieName,
		keyIdle:    keyIdle,
		now:        time.Now,
	}
}

// Middleware rejects requests without a resolvable principal.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := a.resolve(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (a *Authenticator) resolve(r *http.Request) (*auth.Principal, bool) {
	if raw, ok := bearer(r); ok {
		key, err := a.svc.Authenticate(r.Context(), raw)
		if err != nil {
			return nil, false
		}
		client := r.Header.Get("X-Session-ID")
		if client != "" && !clientSessionRe.MatchString(client) {
			return nil, false
		}
		sid := auth.KeySessionID(key.ID, client)
		a.registry.Register(sid, key.UserID, a.now().Add(a.keyIdle))
		return &auth.Principal{UserID: key.UserID, SessionID: sid, KeyID: key.ID}, true
	}

	c, err := r.Cookie(a.cookieName)
	if err != nil || c.Value == "" {
		return nil, false
	}
	claims, err := a.signer.Parse(c.Value)
	if err != nil {
		return nil, false
	}
	if !a.registry.Active(claims.SessionID, claims.Subject) {
		slog.Debug("session token for inactive session", slog.String("session_id", claims.SessionID))
		return nil, false
	}
	return &auth.Principal{UserID: claims.Subject, SessionID: claims.SessionID}, true
}
