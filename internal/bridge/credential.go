// Package bridge lets page scripts act on the user's behalf without holding
// a credential. A single Broker owns the credential and makes every
// authenticated call; pages talk to it over typed messages.
package bridge

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/starford/sigil/internal/apperr"
)

// Credential is the persisted bridge state.
type Credential struct {
	APIKey        string `json:"api_key,omitempty"`
	ActiveProject string `json:"active_project,omitempty"`
}

// Auth is the authentication attached to one upstream request.
type Auth struct {
	APIKey string
	Cookie *http.Cookie
}

// Kind names the credential type for logs and metrics.
func (a Auth) Kind() string {
	switch {
	case a.APIKey != "":
		return "api_key"
	case a.Cookie != nil:
		return "session"
	default:
		return "none"
	}
}

// Apply attaches the credential to r.
func (a Auth) Apply(r *http.Request) {
	switch {
	case a.APIKey != "":
		r.Header.Set("Authorization", "Bearer "+a.APIKey)
	case a.Cookie != nil:
		r.AddCookie(&http.Cookie{Name: a.Cookie.Name, Value: a.Cookie.Value})
	}
}

// CookieSource exposes the primary client's session cookie, if any.
type CookieSource interface {
	SessionCookie() (*http.Cookie, bool)
}

// JarCookies reads the session cookie from a cookie jar. Only a cookie with
// exactly the configured name, scoped to the primary origin, is accepted.
type JarCookies struct {
	jar    http.CookieJar
	origin *url.URL
	name   string
}

// NewJarCookies creates a JarCookies for the cookie called name on primaryOrigin.
func NewJarCookies(jar http.CookieJar, primaryOrigin, name string) (*JarCookies, error) {
	u, err := url.Parse(primaryOrigin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("bridge: primary origin %q: %w", primaryOrigin, apperr.ErrInvalidInput)
	}
	if name == "" {
		return nil, fmt.Errorf("bridge: session cookie name required: %w", apperr.ErrInvalidInput)
	}
	return &JarCookies{jar: jar, origin: u, name: name}, nil
}

func (j *JarCookies) SessionCookie() (*http.Cookie, bool) {
	for _, c := range j.jar.Cookies(j.origin) {
		if c.Name == j.name && c.Value != "" {
			return c, true
		}
	}
	return nil, false
}

// Store records cookies set by the primary origin.
func (j *JarCookies) Store(cookies []*http.Cookie) {
	if len(cookies) > 0 {
		j.jar.SetCookies(j.origin, cookies)
	}
}
