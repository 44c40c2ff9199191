// Package repository provides PostgreSQL persistence for users and
// collection records.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agroup14/waybill/internal/models"
)

// PostgresAuthRepository stores users and their password hashes.
type PostgresAuthRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresAuthRepository creates a new PostgresAuthRepository with the given database connection.
func NewPostgresAuthRepository(db *sql.DB) *PostgresAuthRepository {
	return &PostgresAuthRepository{DB: db}
}

// FindUser returns the user with the given username, or models.ErrNotFound.
func (s *PostgresAuthRepository) FindUser(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.DB.QueryRowContext(
		ctx,
		`SELECT id, username, password_hash FROM users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("FindUser: %w", err)
	}
	return &u, nil
}

// RegisterUser inserts a user and returns its id. An existing username
// yields models.ErrUserExists.
func (s *PostgresAuthRepository) RegisterUser(ctx context.Context, username, passwordHash string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(
		ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2) ON CONFLICT (username) DO NOTHING RETURNING id`,
		username, passwordHash,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrUserExists
	}
	if err != nil {
		return 0, fmt.Errorf("RegisterUser: %w", err)
	}
	return id, nil
}
