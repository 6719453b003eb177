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

// Package memory provides process-local repositories for development and tests.
// Nothing is persisted across restarts.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/opentrusty/identitycore/internal/identity"
)

// UserRepository implements identity.UserRepository in memory.
// Stored users are copied on the way in and out.
type UserRepository struct {
	mu    sync.RWMutex
	users map[string]*identity.User
}

// NewUserRepository creates an empty repository
func NewUserRepository() *UserRepository {
	return &UserRepository{users: make(map[string]*identity.User)}
}

func (r *UserRepository) Create(_ context.Context, user *identity.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := user.Username()
	if _, exists := r.users[name]; exists {
		return identity.ErrUserAlreadyExists
	}
	r.users[name] = user.Clone()
	return nil
}

func (r *UserRepository) Get(_ context.Context, username string) (*identity.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[username]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return user.Clone(), nil
}

func (r *UserRepository) Update(_ context.Context, user *identity.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := user.Username()
	stored, ok := r.users[name]
	if !ok {
		return identity.ErrUserNotFound
	}

	updated := user.Clone()
	// lockout state is only written through UpdateLockout
	if prev, ok := stored.Kind().(*identity.Local); ok {
		if next, ok := updated.Kind().(*identity.Local); ok {
			next.FailedAttempts, next.LockedUntil = prev.FailedAttempts, prev.LockedUntil
		}
	}
	r.users[name] = updated
	return nil
}

func (r *UserRepository) UpdatePasswordHash(_ context.Context, username, oldHash, newHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, err := r.local(username)
	if err != nil {
		return err
	}
	if local.PasswordHash != oldHash {
		return identity.ErrCredentialChanged
	}
	local.PasswordHash = newHash
	return nil
}

func (r *UserRepository) UpdateLockout(_ context.Context, username string, failedAttempts int, lockedUntil *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, err := r.local(username)
	if err != nil {
		return err
	}
	local.FailedAttempts = failedAttempts
	local.LockedUntil = nil
	if lockedUntil != nil {
		until := *lockedUntil
		local.LockedUntil = &until
	}
	return nil
}

// local returns the stored local identity; callers hold the lock
func (r *UserRepository) local(username string) (*identity.Local, error) {
	user, ok := r.users[username]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	local, ok := user.Kind().(*identity.Local)
	if !ok {
		return nil, identity.ErrNotLocal
	}
	return local, nil
}

func (r *UserRepository) Delete(_ context.Context, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[username]; !ok {
		return identity.ErrUserNotFound
	}
	delete(r.users, username)
	return nil
}

func (r *UserRepository) List(_ context.Context) ([]*identity.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*identity.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u.Clone())
	}
	slices.SortFunc(users, func(a, b *identity.User) int {
		return strings.Compare(a.Username(), b.Username())
	})
	return users, nil
}
