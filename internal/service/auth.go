// Package service provides the backend business logic, delegating
// persistence to repository interfaces.
package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/agroup14/waybill/internal/models"
)

// ErrEmptyCredentials is returned by Register for a blank username or password.
var ErrEmptyCredentials = errors.New("username and password are required")

// AuthRepository defines the persistence operations
// required by the authentication service.
type AuthRepository interface {
	// FindUser returns the user with the given username or models.ErrNotFound.
	FindUser(ctx context.Context, username string) (*models.User, error)
	// RegisterUser stores a new user and returns its id.
	RegisterUser(ctx context.Context, username, passwordHash string) (int64, error)
}

// AuthService checks and registers users by delegating to an AuthRepository.
type AuthService struct {
	// repo performs the data-layer operations.
	repo AuthRepository
	cost int
}

// AuthOption configures an AuthService.
type AuthOption func(*AuthService)

// WithBcryptCost overrides the bcrypt cost used for new password hashes.
func WithBcryptCost(cost int) AuthOption {
	return func(s *AuthService) { s.cost = cost }
}

// NewAuthService constructs a new AuthService using the provided repository.
func NewAuthService(repo AuthRepository, opts ...AuthOption) *AuthService {
	s := &AuthService{repo: repo, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate returns the user when password matches. Unknown users and
// wrong passwords both yield models.ErrInvalidCredentials.
func (s *AuthService) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	u, err := s.repo.FindUser(ctx, username)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, models.ErrInvalidCredentials
	}
	return u, nil
}

// Register creates a user with a bcrypt hash of password.
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	if username == "" || password == "" {
		return nil, ErrEmptyCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	id, err := s.repo.RegisterUser(ctx, username, string(hash))
	if err != nil {
		return nil, err
	}
	return &models.User{ID: id, Username: username}, nil
}

// Lookup returns the user with the given username.
func (s *AuthService) Lookup(ctx context.Context, username string) (*models.User, error) {
	return s.repo.FindUser(ctx, username)
}
