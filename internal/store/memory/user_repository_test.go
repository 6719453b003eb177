package memory

import (
	"context"
	"testing"
	"time"

	"github.com/opentrusty/identitycore/internal/credential"
	"github.com/opentrusty/identitycore/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRepository_CRUD(t *testing.T) {
	repo := NewUserRepository()
	ctx := context.Background()

	bob := identity.NewFederated("bob", []string{"viewer"}, identity.Profile{})
	require.NoError(t, repo.Create(ctx, bob))
	assert.ErrorIs(t, repo.Create(ctx, bob), identity.ErrUserAlreadyExists)

	got, err := repo.Get(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, got.IsFederated())
	assert.Equal(t, []string{"viewer"}, got.Roles())

	got.AddRole("editor")
	unchanged, err := repo.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"viewer"}, unchanged.Roles(), "returned users must not alias stored ones")

	require.NoError(t, repo.Update(ctx, got))
	updated, err := repo.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"editor", "viewer"}, updated.Roles())

	require.NoError(t, repo.Create(ctx, identity.NewFederated("alice", nil, identity.Profile{})))
	users, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username())
	assert.Equal(t, "bob", users[1].Username())

	require.NoError(t, repo.Delete(ctx, "bob"))
	assert.ErrorIs(t, repo.Delete(ctx, "bob"), identity.ErrUserNotFound)
	_, err = repo.Get(ctx, "bob")
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
	assert.ErrorIs(t, repo.Update(ctx, bob), identity.ErrUserNotFound)
}

func newLocalUser(t *testing.T, repo *UserRepository, username string) *identity.User {
	t.Helper()
	h, err := credential.NewHasher(credential.Params{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)
	user, _, err := identity.NewLocal(h, username)
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), user))
	return user
}

// TestPurpose: Validates that password hash writes are conditional on the stored hash.
// Scope: Unit Test
// Security: A stale rehash must not overwrite a newer credential
// Expected: Mismatched old hash yields ErrCredentialChanged and leaves the stored hash intact.
// Test Case ID: MEM-02
func TestUserRepository_UpdatePasswordHash(t *testing.T) {
	repo := NewUserRepository()
	ctx := context.Background()
	kim := newLocalUser(t, repo, "kim")
	current := kim.Kind().(*identity.Local).PasswordHash

	assert.ErrorIs(t, repo.UpdatePasswordHash(ctx, "kim", "stale", "next"), identity.ErrCredentialChanged)
	got, err := repo.Get(ctx, "kim")
	require.NoError(t, err)
	assert.Equal(t, current, got.Kind().(*identity.Local).PasswordHash)

	require.NoError(t, repo.UpdatePasswordHash(ctx, "kim", current, "next"))
	got, err = repo.Get(ctx, "kim")
	require.NoError(t, err)
	assert.Equal(t, "next", got.Kind().(*identity.Local).PasswordHash)

	assert.ErrorIs(t, repo.UpdatePasswordHash(ctx, "ghost", "a", "b"), identity.ErrUserNotFound)
	require.NoError(t, repo.Create(ctx, identity.NewFederated("fed", nil, identity.Profile{})))
	assert.ErrorIs(t, repo.UpdatePasswordHash(ctx, "fed", "a", "b"), identity.ErrNotLocal)
}

// TestPurpose: Validates that lockout state is written only through UpdateLockout.
// Scope: Unit Test
// Security: A full user update must not reset a lockout
// Expected: Lockout survives Update and is cleared by UpdateLockout with zero values.
// Test Case ID: MEM-03
func TestUserRepository_UpdateLockout(t *testing.T) {
	repo := NewUserRepository()
	ctx := context.Background()
	kim := newLocalUser(t, repo, "kim")

	until := time.Now().Add(time.Hour).UTC()
	require.NoError(t, repo.UpdateLockout(ctx, "kim", 5, &until))

	kim.AddRole("viewer")
	require.NoError(t, repo.Update(ctx, kim))

	got, err := repo.Get(ctx, "kim")
	require.NoError(t, err)
	local := got.Kind().(*identity.Local)
	assert.Equal(t, 5, local.FailedAttempts)
	require.NotNil(t, local.LockedUntil)
	assert.True(t, until.Equal(*local.LockedUntil))
	assert.True(t, got.HasRole("viewer"))

	require.NoError(t, repo.UpdateLockout(ctx, "kim", 0, nil))
	got, err = repo.Get(ctx, "kim")
	require.NoError(t, err)
	local = got.Kind().(*identity.Local)
	assert.Zero(t, local.FailedAttempts)
	assert.Nil(t, local.LockedUntil)

	assert.ErrorIs(t, repo.UpdateLockout(ctx, "ghost", 1, nil), identity.ErrUserNotFound)
}
