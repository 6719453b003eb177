// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/opentrusty/identitycore/internal/identity"
)

const uniqueViolation = "23505"

// UserRepository implements identity.UserRepository. Each user is stored
// as its tagged JSON document, keyed by username. Lockout state lives in
// its own columns and is only written by UpdateLockout.
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user
func (r *UserRepository) Create(ctx context.Context, user *identity.User) error {
	doc, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO users (username, kind, document)
		VALUES ($1, $2, $3)
	`, user.Username(), user.KindName(), doc)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return identity.ErrUserAlreadyExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// userRow is the scanned form of a users row
type userRow struct {
	Document            []byte
	FailedLoginAttempts int
	LockedUntil         *time.Time
}

// Get retrieves a user by username
func (r *UserRepository) Get(ctx context.Context, username string) (*identity.User, error) {
	var row userRow
	err := r.db.pool.QueryRow(ctx, `
		SELECT document, failed_login_attempts, locked_until
		FROM users WHERE username = $1
	`, username).Scan(&row.Document, &row.FailedLoginAttempts, &row.LockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return decodeUser(row)
}

// Update replaces a stored user
func (r *UserRepository) Update(ctx context.Context, user *identity.User) error {
	doc, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}

	tag, err := r.db.pool.Exec(ctx, `
		UPDATE users SET kind = $2, document = $3, updated_at = NOW()
		WHERE username = $1
	`, user.Username(), user.KindName(), doc)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// UpdatePasswordHash replaces the stored hash only if it still equals oldHash
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, username, oldHash, newHash string) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE users
		SET document = jsonb_set(document, '{password_hash}', to_jsonb($3::text)), updated_at = NOW()
		WHERE username = $1 AND kind = 'local' AND document->>'password_hash' = $2
	`, username, oldHash, newHash)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, username)
	}
	return nil
}

// UpdateLockout stores the failed login counter and lock expiry
func (r *UserRepository) UpdateLockout(ctx context.Context, username string, failedAttempts int, lockedUntil *time.Time) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE users SET failed_login_attempts = $2, locked_until = $3, updated_at = NOW()
		WHERE username = $1 AND kind = 'local'
	`, username, failedAttempts, lockedUntil)
	if err != nil {
		return fmt.Errorf("failed to update lockout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := r.classifyMiss(ctx, username); !errors.Is(err, identity.ErrCredentialChanged) {
			return err
		}
		return identity.ErrNotLocal
	}
	return nil
}

// classifyMiss explains why a conditional update on a local user matched no row
func (r *UserRepository) classifyMiss(ctx context.Context, username string) error {
	var kind string
	err := r.db.pool.QueryRow(ctx, `SELECT kind FROM users WHERE username = $1`, username).Scan(&kind)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return identity.ErrUserNotFound
	case err != nil:
		return fmt.Errorf("failed to get user: %w", err)
	case kind != identity.KindLocal:
		return identity.ErrNotLocal
	default:
		return identity.ErrCredentialChanged
	}
}

// Delete removes a user
func (r *UserRepository) Delete(ctx context.Context, username string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// List returns all users ordered by username
func (r *UserRepository) List(ctx context.Context) ([]*identity.User, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT document, failed_login_attempts, locked_until
		FROM users ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	scanned, err := pgx.CollectRows(rows, pgx.RowToStructByPos[userRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}

	users := make([]*identity.User, 0, len(scanned))
	for _, row := range scanned {
		user, err := decodeUser(row)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func decodeUser(row userRow) (*identity.User, error) {
	var user identity.User
	if err := json.Unmarshal(row.Document, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	if local, ok := user.Kind().(*identity.Local); ok {
		local.FailedAttempts = row.FailedLoginAttempts
		local.LockedUntil = row.LockedUntil
	}
	return &user, nil
}
