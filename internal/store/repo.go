package store

import (
	"context"

	"github.com/starford/sigil/internal/keys"
	"github.com/starford/sigil/internal/models"
)

// Repository is the persistence surface used by the vault service.
// Consumers should depend on this interface rather than *DB.
type Repository interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]models.Project, error)
	UpdateProjectKey(ctx context.Context, id string, oldWrapped, wrapped, nonce []byte) error
	KeyMaterial(ctx context.Context, projectID string) (*keys.Material, error)
	InsertChunk(ctx context.Context, c *models.Chunk) error
	GetChunk(ctx context.Context, projectID, id string) (*models.Chunk, error)
	ListChunks(ctx context.Context, projectID string, limit, offset int) ([]models.Chunk, int, error)
	InsertAPIKey(ctx context.Context, k *models.APIKey) error
	APIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	Ping() error
	Close() error
}

// Verify *DB satisfies Repository at compile time.
var _ Repository = (*DB)(nil)
