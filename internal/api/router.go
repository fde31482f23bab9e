package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/starford/sigil/internal/auth"
	"github.com/starford/sigil/internal/vault"
)

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

// Options configures the API router.
type Options struct {
	AdminToken     string
	Cookie         CookieConfig
	KeyIdle        time.Duration
	AllowedOrigins []string

	// UnlockRate and UnlockBurst limit unlock and rotate attempts per user
	// and project. Zero disables the limit.
	UnlockRate  rate.Limit
	UnlockBurst int

	// Events, if non-nil, is mounted at GET /events behind authentication.
	Events http.Handler
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(svc *vault.Service, signer *auth.Signer, registry *auth.Registry, opts Options) chi.Router {
	h := &Handler{
		svc:      svc,
		signer:   signer,
		registry: registry,
		cookie:   opts.Cookie,
	}
	if opts.UnlockRate > 0 {
		burst := opts.UnlockBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = newMultiLimiter(opts.UnlockRate, burst, 30*time.Minute)
	}
	authn := NewAuthenticator(svc, signer, registry, opts.Cookie.Name, opts.KeyIdle)

	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Session-ID"},
			AllowCredentials: true,
			MaxAge:           600,
		}).Handler)
	}

	// Operator endpoints.
	r.With(AdminMiddleware(opts.AdminToken)).Post("/users", h.CreateUser)

	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)

		r.Post("/sessions", h.CreateSession)
		r.Delete("/sessions/current", h.DeleteSession)

		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)
		r.Get("/projects/{id}", h.GetProject)
		r.Post("/projects/{id}/unlock", h.Unlock)
		r.Post("/projects/{id}/lock", h.Lock)
		r.Get("/projects/{id}/status", h.Status)
		r.Post("/projects/{id}/rotate", h.Rotate)

		r.Get("/projects/{id}/chunks", h.ListChunks)
		r.Get("/projects/{id}/chunks/{chunkID}", h.GetChunk)
		r.Post("/ingest", h.Ingest)

		if opts.Events != nil {
			r.Get("/events", opts.Events.ServeHTTP)
		}
	})

	return r
}
