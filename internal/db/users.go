package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/carex-health/carex-server/internal/models"
)

var ErrUserNotFound = errors.New("db: user not found")

// CreateUser inserts a new account row. Uniqueness of username is enforced
// by the schema; violations surface as wrapped pgx errors.
func (p *Postgres) CreateUser(ctx context.Context, user *models.User) error {
	const query = `INSERT INTO users (id, username, email, password, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := p.Pool.Exec(ctx, query,
		user.ID, user.Username, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: create user: %w", err)
	}
	return nil
}

// FindUserByIdentifier resolves a user by username or email, matched
// case-insensitively.
func (p *Postgres) FindUserByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))

	const query = `SELECT id, username, email, password, created_at, updated_at
		FROM users WHERE LOWER(username) = $1 OR LOWER(email) = $1`

	var user models.User
	err := p.Pool.QueryRow(ctx, query, identifier).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("postgres: query user: %w", err)
	}

	return &user, nil
}

// TouchUser records a successful login.
func (p *Postgres) TouchUser(ctx context.Context, id string) error {
	const query = `UPDATE users SET updated_at = NOW() WHERE id = $1`
	if _, err := p.Pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("postgres: touch user: %w", err)
	}
	return nil
}
