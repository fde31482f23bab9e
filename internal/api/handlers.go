package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/sigil/internal/auth"
	"github.com/starford/sigil/internal/vault"
)

// Handler holds API route handlers.
type Handler struct {
	svc      *vault.Service
	signer   *auth.Signer
	registry *auth.Registry
	limiter  *multiLimiter
	cookie   CookieConfig
}

func actor(r *http.Request) vault.Actor {
	p, _ := auth.FromContext(r.Context())
	return vault.Actor{UserID: p.UserID, SessionID: p.SessionID}
}

// CreateUser handles POST /api/users.
//
//	@Summary		Register a user and issue its first API key
//	@Tags			users
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateUserRequest	true	"User to create"
//	@Success		201		{object}	CreateUserResponse
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		AdminAuth
//	@Router			/users [post]
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, key, err := h.svc.CreateUser(r.Context(), req.ExternalID, req.Email)
	if err != nil {
		writeError(w, "create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateUserResponse{User: u, APIKey: key})
}

// CreateSession handles POST /api/sessions. The caller authenticates with an
// API key and receives a session token, also set as a cookie.
//
//	@Summary		Start a browser session
//	@Tags			sessions
//	@Produce		json
//	@Success		201	{object}	SessionResponse
//	@Failure		401	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions [post]
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	if p.KeyID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("session tokens are issued for API key callers"))
		return
	}
	token, claims, err := h.signer.Issue(p.UserID)
	if err != nil {
		writeError(w, "issue session", err)
		return
	}
	expires := claims.ExpiresAt.Time
	h.registry.Register(claims.SessionID, p.UserID, expires)

	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusCreated, SessionResponse{SessionID: claims.SessionID, Token: token, ExpiresAt: expires})
}

// DeleteSession handles DELETE /api/sessions/current: the session is revoked
// and every project key cached for it is purged.
//
//	@Summary		Sign out
//	@Tags			sessions
//	@Success		204	"Signed out"
//	@Security		BearerAuth
//	@Router			/sessions/current [delete]
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	h.registry.Revoke(p.SessionID)
	h.svc.SignOut(p.SessionID)
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// ListProjects handles GET /api/projects.
//
//	@Summary		List the caller's projects
//	@Tags			projects
//	@Produce		json
//	@Success		200	{array}	ProjectDetail
//	@Security		BearerAuth
//	@Router			/projects [get]
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.ListProjects(r.Context(), actor(r))
	if err != nil {
		writeError(w, "list projects", err)
		return
	}
	out := make([]ProjectDetail, 0, len(ps))
	for i := range ps {
		out = append(out, projectDetail(&ps[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

// CreateProject handles POST /api/projects.
//
//	@Summary		Create an encrypted project
//	@Tags			projects
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateProjectRequest	true	"Project to create"
//	@Success		201		{object}	ProjectDetail
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/projects [post]
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.svc.CreateProject(r.Context(), actor(r), req.Name, req.Passphrase)
	if err != nil {
		writeError(w, "create project", err)
		return
	}
	writeJSON(w, http.StatusCreated, projectDetail(p))
}

// GetProject handles GET /api/projects/{id}.
//
//	@Summary		Get a project
//	@Tags			projects
//	@Produce		json
//	@Param			id	path		string	true	"Project ID"
//	@Success		200	{object}	ProjectDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/projects/{id} [get]
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Project(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get project", err)
		return
	}
	writeJSON(w, http.StatusOK, projectDetail(p))
}

// Unlock handles POST /api/projects/{id}/unlock. Attempts are rate limited
// per user and project.
//
//	@Summary		Unlock a project for the current session
//	@Tags			projects
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Project ID"
//	@Param			body	body		UnlockRequest	true	"Passphrase"
//	@Success		200		{object}	ProjectStatus
//	@Failure		400		{object}	errResponse
//	@Failure		401		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		429		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/projects/{id}/unlock [post]
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	id := chi.URLParam(r, "id")
	if h.limiter != nil && !h.limiter.allow(a.UserID+"/"+id) {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorBody("too many unlock attempts"))
		return
	}
	var req UnlockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.Unlock(r.Context(), a, id, req.Passphrase); err != nil {
		writeError(w, "unlock", err)
		return
	}
	h.status(w, r, a, id)
}

// Lock handles POST /api/projects/{id}/lock.
//
//	@Summary		Lock a project for the current session
//	@Tags			projects
//	@Param			id	path	string	true	"Project ID"
//	@Success		200	{object}	ProjectStatus
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/projects/{id}/lock [post]
func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	id := chi.URLParam(r, "id")
	if err := h.svc.Lock(r.Context(), a, id); err != nil {
		writeError(w, "lock", err)
		return
	}
	h.status(w, r, a, id)
}

// Status handles GET /api/projects/{id}/status.
//
//	@Summary		Session status for a project
//	@Tags			projects
//	@Produce		json
//	@Param			id	path		string	true	"Project ID"
//	@Success		200	{object}	ProjectStatus
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/projects/{id}/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, actor(r), chi.URLParam(r, "id"))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, a vault.Actor, id string) {
	st, err := h.svc.Status(r.Context(), a, id)
	if err != nil {
		writeError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Rotate handles POST /api/projects/{id}/rotate.
//
//	@Summary		Change a project passphrase
//	@Tags			projects
//	@Accept			json
//	@Param			id		path	string			true	"Project ID"
//	@Param			body	body	RotateRequest	true	"Old and new passphrase"
//	@Success		204		"Passphrase changed"
//	@Failure		400		{object}	errResponse
//	@Failure		401		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/projects/{id}/rotate [post]
func (h *Handler) Rotate(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	id := chi.URLParam(r, "id")
	if h.limiter != nil && !h.limiter.allow(a.UserID+"/"+id) {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorBody("too many unlock attempts"))
		return
	}
	var req RotateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.RotatePassphrase(r.Context(), a, id, req.OldPassphrase, req.NewPassphrase); err != nil {
		writeError(w, "rotate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ingest handles POST /api/ingest.
//
//	@Summary		Capture a chunk of content
//	@Tags			chunks
//	@Accept			json
//	@Produce		json
//	@Param			body	body		IngestRequest	true	"Captured content"
//	@Success		201		{object}	models.ChunkView
//	@Failure		400		{object}	errResponse
//	@Failure		423		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/ingest [post]
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := h.svc.Ingest(r.Context(), actor(r), req)
	if err != nil {
		writeError(w, "ingest", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ListChunks handles GET /api/projects/{id}/chunks.
//
//	@Summary		List decrypted chunks
//	@Tags			chunks
//	@Produce		json
//	@Param			id		path		string	true	"Project ID"
//	@Param			limit	query		int		false	"Page size (default 50, max 200)"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	ChunkListResponse
//	@Failure		423		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/projects/{id}/chunks [get]
func (h *Handler) ListChunks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, total, err := h.svc.ListChunks(r.Context(), actor(r), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeError(w, "list chunks", err)
		return
	}
	writeJSON(w, http.StatusOK, ChunkListResponse{Chunks: items, Total: total})
}

// GetChunk handles GET /api/projects/{id}/chunks/{chunkID}.
//
//	@Summary		Read one chunk
//	@Tags			chunks
//	@Produce		json
//	@Param			id		path		string	true	"Project ID"
//	@Param			chunkID	path		string	true	"Chunk ID"
//	@Success		200		{object}	models.ChunkView
//	@Failure		404		{object}	errResponse
//	@Failure		423		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/projects/{id}/chunks/{chunkID} [get]
func (h *Handler) GetChunk(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ReadChunk(r.Context(), actor(r), chi.URLParam(r, "id"), chi.URLParam(r, "chunkID"))
	if err != nil {
		writeError(w, "read chunk", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
