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

//go:build integration
// +build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opentrusty/identitycore/internal/credential"
	"github.com/opentrusty/identitycore/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("Skipping integration test: TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dbURL)
	if err != nil {
		t.Skipf("Skipping integration test: failed to connect to database: %v", err)
	}
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx), "schema must apply twice")

	_, err = db.Pool().Exec(ctx, `TRUNCATE users`)
	require.NoError(t, err)
	return db
}

// TestPurpose: Validates both identity kinds survive a round trip through the JSONB document column.
// Scope: Database Integration Test
// Security: Credential at rest (only the PHC hash is stored)
// Expected: Stored users decode to the same kind, roles, profile and verifiable hash.
// Test Case ID: PG-01
func TestUserRepository_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	h, err := credential.NewHasher(credential.Params{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)

	local, secret, err := identity.NewLocal(h, "alice")
	require.NoError(t, err)
	local.AddRole("viewer")
	require.NoError(t, repo.Create(ctx, local))

	email := "bob@example.com"
	fed := identity.NewFederated("bob", []string{"eng"}, identity.Profile{Email: &email, Groups: []string{"eng"}})
	require.NoError(t, repo.Create(ctx, fed))

	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, got.IsFederated())
	assert.Equal(t, []string{"viewer"}, got.Roles())
	ok, err := got.VerifyPassword(h, secret)
	require.NoError(t, err)
	assert.True(t, ok)

	gotFed, err := repo.Get(ctx, "bob")
	require.NoError(t, err)
	require.True(t, gotFed.IsFederated())
	profile := gotFed.Kind().(*identity.Federated).Profile
	require.NotNil(t, profile.Email)
	assert.Equal(t, email, *profile.Email)
	assert.Equal(t, []string{"eng"}, profile.Groups)

	users, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username())
	assert.Equal(t, "bob", users[1].Username())
}

// TestPurpose: Validates repository errors map onto identity domain errors.
// Scope: Database Integration Test
// Expected: Duplicate insert is ErrUserAlreadyExists; missing rows are ErrUserNotFound.
// Test Case ID: PG-02
func TestUserRepository_Errors(t *testing.T) {
	db := openTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	carol := identity.NewFederated("carol", nil, identity.Profile{})
	require.NoError(t, repo.Create(ctx, carol))
	assert.ErrorIs(t, repo.Create(ctx, carol), identity.ErrUserAlreadyExists)

	carol.AddRole("ops")
	require.NoError(t, repo.Update(ctx, carol))
	got, err := repo.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops"}, got.Roles())

	require.NoError(t, repo.Delete(ctx, "carol"))
	assert.ErrorIs(t, repo.Delete(ctx, "carol"), identity.ErrUserNotFound)
	assert.ErrorIs(t, repo.Update(ctx, carol), identity.ErrUserNotFound)
	_, err = repo.Get(ctx, "carol")
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
}

// TestPurpose: Validates conditional hash replacement and lockout columns.
// Scope: Database Integration Test
// Security: A stale rehash must not overwrite a rotated credential; lockout survives document updates
// Expected: Stale old hash is ErrCredentialChanged; lockout is read back by Get and List and cleared on demand.
// Test Case ID: PG-04
func TestUserRepository_CredentialAndLockout(t *testing.T) {
	db := openTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	h, err := credential.NewHasher(credential.Params{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)
	dana, _, err := identity.NewLocal(h, "dana")
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, dana))
	current := dana.Kind().(*identity.Local).PasswordHash

	assert.ErrorIs(t, repo.UpdatePasswordHash(ctx, "dana", "stale", "next"), identity.ErrCredentialChanged)
	assert.ErrorIs(t, repo.UpdatePasswordHash(ctx, "ghost", current, "next"), identity.ErrUserNotFound)
	require.NoError(t, repo.UpdatePasswordHash(ctx, "dana", current, "next"))
	got, err := repo.Get(ctx, "dana")
	require.NoError(t, err)
	assert.Equal(t, "next", got.Kind().(*identity.Local).PasswordHash)

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.UpdateLockout(ctx, "dana", 5, &until))

	got.AddRole("viewer")
	require.NoError(t, repo.Update(ctx, got))

	users, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	local := users[0].Kind().(*identity.Local)
	assert.Equal(t, 5, local.FailedAttempts)
	require.NotNil(t, local.LockedUntil)
	assert.True(t, until.Equal(*local.LockedUntil))

	require.NoError(t, repo.UpdateLockout(ctx, "dana", 0, nil))
	got, err = repo.Get(ctx, "dana")
	require.NoError(t, err)
	assert.Nil(t, got.Kind().(*identity.Local).LockedUntil)

	require.NoError(t, repo.Create(ctx, identity.NewFederated("erin", nil, identity.Profile{})))
	assert.ErrorIs(t, repo.UpdateLockout(ctx, "erin", 1, nil), identity.ErrNotLocal)
	assert.ErrorIs(t, repo.UpdateLockout(ctx, "ghost", 1, nil), identity.ErrUserNotFound)
}
