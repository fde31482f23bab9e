package api

import (
	"time"

	"github.com/starford/sigil/internal/models"
	"github.com/starford/sigil/internal/vault"
)

// CreateUserRequest is the request body for registering a user.
type CreateUserRequest struct {
	ExternalID string `json:"external_id" example:"auth0|42" validate:"required"`
	Email      string `json:"email" example:"ada@example.com"`
}

// CreateUserResponse carries the new user's first API key. The key is shown once.
type CreateUserResponse struct {
	User   *models.User `json:"user" validate:"required"`
	APIKey string       `json:"api_key" validate:"required"`
}

// SessionResponse is returned when a session token is issued.
type SessionResponse struct {
	SessionID string    `json:"session_id" validate:"required"`
	Token     string    `json:"token" validate:"required"`
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
}

// CreateProjectRequest is the request body for creating an encrypted project.
type CreateProjectRequest struct {
	Name       string `json:"name" example:"research" validate:"required"`
	Passphrase string `json:"passphrase" validate:"required"`
}

// ProjectDetail is a project as returned by the API.
type ProjectDetail struct {
	*models.Project
	Encrypted bool `json:"encrypted"`
}

func projectDetail(p *models.Project) ProjectDetail {
	return ProjectDetail{Project: p, Encrypted: p.Encrypted()}
}

// UnlockRequest is the request body for unlocking a project.
type UnlockRequest struct {
	Passphrase string `json:"passphrase" validate:"required"`
}

// RotateRequest is the request body for changing a project passphrase.
type RotateRequest struct {
	OldPassphrase string `json:"old_passphrase" validate:"required"`
	NewPassphrase string `json:"new_passphrase" validate:"required"`
}

// ProjectStatus is the status endpoint response.
type ProjectStatus = vault.ProjectStatus

// IngestRequest is the capture body.
type IngestRequest = vault.IngestRequest

// ChunkListResponse wraps paginated chunk listings.
type ChunkListResponse struct {
	Chunks []models.ChunkView `json:"chunks" validate:"required"`
	Total  int                `json:"total" example:"42" validate:"required"`
}
