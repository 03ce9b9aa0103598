package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/abduss/blobgate/internal/meta"
)

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u meta.User) (meta.User, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `
INSERT INTO users (id, display_name)
VALUES ($1, $2)
RETURNING id, display_name, created_at;`

	var created meta.User
	if err := s.pool.QueryRow(ctx, query, u.ID, u.DisplayName).Scan(&created.ID, &created.DisplayName, &created.CreatedAt); err != nil {
		return meta.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (meta.User, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	var u meta.User
	err := s.pool.QueryRow(ctx, `SELECT id, display_name, created_at FROM users WHERE id = $1;`, id).
		Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta.User{}, meta.ErrUserNotFound
		}
		return meta.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

const accessKeyColumns = `id, user_id, sealed_secret, created_at, revoked_at`

func scanAccessKey(row pgx.Row) (meta.AccessKey, error) {
	var k meta.AccessKey
	err := row.Scan(&k.ID, &k.UserID, &k.SealedSecret, &k.CreatedAt, &k.RevokedAt)
	return k, err
}

// CreateAccessKey stores a key with its sealed secret.
func (s *Store) CreateAccessKey(ctx context.Context, k meta.AccessKey) (meta.AccessKey, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `
INSERT INTO access_keys (id, user_id, sealed_secret)
VALUES ($1, $2, $3)
RETURNING ` + accessKeyColumns + `;`

	created, err := scanAccessKey(s.pool.QueryRow(ctx, query, k.ID, k.UserID, k.SealedSecret))
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return meta.AccessKey{}, meta.ErrAccessKeyExists
		case isForeignKeyViolation(err):
			return meta.AccessKey{}, meta.ErrUserNotFound
		}
		return meta.AccessKey{}, fmt.Errorf("create access key: %w", err)
	}
	return created, nil
}

// GetAccessKey fetches a key, revoked or not.
func (s *Store) GetAccessKey(ctx context.Context, id string) (meta.AccessKey, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	k, err := scanAccessKey(s.pool.QueryRow(ctx, `SELECT `+accessKeyColumns+` FROM access_keys WHERE id = $1;`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta.AccessKey{}, meta.ErrAccessKeyNotFound
		}
		return meta.AccessKey{}, fmt.Errorf("get access key: %w", err)
	}
	return k, nil
}

// RevokeAccessKey stamps revoked_at. Revoking twice keeps the first stamp.
func (s *Store) RevokeAccessKey(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE access_keys SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1;`, id, at)
	if err != nil {
		return fmt.Errorf("revoke access key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return meta.ErrAccessKeyNotFound
	}
	return nil
}
