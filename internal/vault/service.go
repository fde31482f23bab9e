// Package vault is the service layer over the key hierarchy: it creates users
// and projects, gates unlocks, and encrypts content on the way into storage
// and decrypts it on the way out.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/auth"
	"github.com/starford/sigil/internal/keys"
	"github.com/starford/sigil/internal/models"
	"github.com/starford/sigil/internal/session"
	"github.com/starford/sigil/internal/store"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// DefaultMinPassphrase is the minimum passphrase length in characters.
const DefaultMinPassphrase = 20

// Actor is the caller of a vault operation.
type Actor struct {
	UserID    string
	SessionID string
}

func (a Actor) key(projectID string) session.Key {
	return session.Key{ProjectID: projectID, SessionID: a.SessionID}
}

// Service coordinates the store, the key hierarchy and session state.
type Service struct {
	repo     store.Repository
	sessions *session.Manager
	deriver  keys.KDF
	logger   *slog.Logger
	minPass  int
	workers  int
	notify   func(userID, projectID string)
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMinPassphrase overrides DefaultMinPassphrase.
func WithMinPassphrase(n int) Option { return func(s *Service) { s.minPass = n } }

// WithListWorkers bounds parallel decryption when listing chunks.
func WithListWorkers(n int) Option { return func(s *Service) { s.workers = n } }

// WithNotifier is called after a chunk is stored.
func WithNotifier(fn func(userID, projectID string)) Option { return func(s *Service) { s.notify = fn } }

// NewService creates a new vault service.
func NewService(repo store.Repository, sessions *session.Manager, deriver keys.KDF, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		sessions: sessions,
		deriver:  deriver,
		logger:   slog.Default(),
		minPass:  DefaultMinPassphrase,
		workers:  4,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CheckPassphrase enforces the length policy. It runs before any derivation.
func CheckPassphrase(passphrase string, min int) error {
	if utf8.RuneCountInString(passphrase) < min {
		return fmt.Errorf("vault: passphrase must be at least %d characters: %w", min, apperr.ErrInvalidInput)
	}
	return nil
}

// CreateUser registers a user with a fresh KEK salt and issues its first API
// key. The raw key is returned once and never stored.
func (s *Service) CreateUser(ctx context.Context, externalID, email string) (*models.User, string, error) {
	err := validation.Errors{
		"external_id": validation.Validate(externalID, validation.Required, validation.Length(1, 200)),
		"email":       validation.Validate(email, validation.Match(emailRe)),
	}.Filter()
	if err != nil {
		return nil, "", fmt.Errorf("vault: %v: %w", err, apperr.ErrInvalidInput)
	}

	salt, err := keys.NewSalt()
	if err != nil {
		return nil, "", err
	}
	u := &models.User{
		ID:         uuid.NewString(),
		ExternalID: externalID,
		Email:      email,
		KEKSalt:    salt,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, "", err
	}
	raw, err := s.IssueAPIKey(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user created", "user_id", u.ID)
	return u, raw, nil
}

// IssueAPIKey creates another API key for userID.
func (s *Service) IssueAPIKey(ctx context.Context, userID string) (string, error) {
	raw, hash, err := auth.NewAPIKey()
	if err != nil {
		return "", err
	}
	k := &models.APIKey{ID: uuid.NewString(), UserID: userID, Hash: hash, CreatedAt: s.now().UTC()}
	if err := s.repo.InsertAPIKey(ctx, k); err != nil {
		return "", err
	}
	return raw, nil
}

// Authenticate resolves a raw API key to its record.
func (s *Service) Authenticate(ctx context.Context, raw string) (*models.APIKey, error) {
	if raw == "" {
		return nil, fmt.Errorf("vault: %w", apperr.ErrUnauthenticated)
	}
	k, err := s.repo.APIKeyByHash(ctx, auth.HashAPIKey(raw))
	if err != nil {
		return nil, fmt.Errorf("vault: unknown api key: %w", apperr.ErrUnauthenticated)
	}
	return k, nil
}

// User returns a user by id.
func (s *Service) User(ctx context.Context, id string) (*models.User, error) {
	return s.repo.GetUser(ctx, id)
}
