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

package identity

import (
	"encoding/json"
	"testing"

	"github.com/opentrusty/identitycore/internal/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHasher(t testing.TB) *credential.Hasher {
	t.Helper()
	h, err := credential.NewHasher(credential.Params{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)
	return h
}

func strPtr(s string) *string { return &s }

// TestPurpose: Validates a new local user resolves its username and carries a hash of the returned secret.
// Scope: Unit Test
// Security: No plaintext credential storage
// Expected: Username "alice", not federated, no roles, hash verifies the secret and differs from it.
// Test Case ID: USR-01
func TestNewLocal(t *testing.T) {
	h := newTestHasher(t)

	user, secret, err := NewLocal(h, "alice")
	require.NoError(t, err)

	assert.Equal(t, "alice", user.Username())
	assert.False(t, user.IsFederated())
	assert.Empty(t, user.Roles())
	assert.Len(t, secret, credential.DefaultSecretLength)

	local, ok := user.Kind().(*Local)
	require.True(t, ok)
	assert.NotEqual(t, secret, local.PasswordHash)

	valid, err := user.VerifyPassword(h, secret)
	require.NoError(t, err)
	assert.True(t, valid)

	_, _, err = NewLocal(h, "")
	assert.ErrorIs(t, err, ErrInvalidUsername)
}

// TestPurpose: Validates the federated subject comes from the profile name, falling back to the supplied username.
// Scope: Unit Test
// Expected: "Bobby" when the profile has a name, "bob" otherwise; IsFederated is true.
// Test Case ID: USR-02
func TestNewFederated_SubjectResolution(t *testing.T) {
	withName := NewFederated("bob", nil, Profile{Name: strPtr("Bobby")})
	assert.Equal(t, "Bobby", withName.Username())
	assert.True(t, withName.IsFederated())

	withoutName := NewFederated("bob", []string{"reader"}, Profile{Email: strPtr("bob@example.com")})
	assert.Equal(t, "bob", withoutName.Username())
	assert.Equal(t, []string{"reader"}, withoutName.Roles())

	fed, ok := withoutName.Kind().(*Federated)
	require.True(t, ok)
	assert.Equal(t, "bob@example.com", *fed.Profile.Email)
	assert.Nil(t, fed.Profile.Name)
}

// TestPurpose: Validates the bootstrap admin is local, holds only the admin role, and verifies the configured password.
// Scope: Unit Test
// Security: Privileged account derivation
// Expected: Roles == ["admin"], VerifyPassword("pw") true, wrong password false.
// Test Case ID: USR-03
func TestBootstrapAdmin(t *testing.T) {
	h := newTestHasher(t)

	admin, err := BootstrapAdmin(h, AdminCredentials{Username: "root", Password: "pw"})
	require.NoError(t, err)

	assert.Equal(t, "root", admin.Username())
	assert.False(t, admin.IsFederated())
	assert.Equal(t, []string{RoleAdmin}, admin.Roles())

	valid, err := admin.VerifyPassword(h, "pw")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = admin.VerifyPassword(h, "PW")
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = BootstrapAdmin(h, AdminCredentials{Username: "", Password: "pw"})
	assert.ErrorIs(t, err, ErrInvalidUsername)
	_, err = BootstrapAdmin(h, AdminCredentials{Username: "root"})
	assert.Error(t, err)
}

// TestPurpose: Validates the role set keeps a single occurrence of each role.
// Scope: Unit Test
// Expected: Adding "editor" twice leaves one entry; removing reports presence correctly.
// Test Case ID: USR-04
func TestUser_RoleSetUniqueness(t *testing.T) {
	user := NewFederated("carol", []string{"viewer", "viewer"}, Profile{})
	assert.Equal(t, []string{"viewer"}, user.Roles())

	assert.True(t, user.AddRole("editor"))
	assert.False(t, user.AddRole("editor"))
	assert.Equal(t, []string{"editor", "viewer"}, user.Roles())
	assert.True(t, user.HasRole("editor"))

	assert.True(t, user.RemoveRole("editor"))
	assert.False(t, user.RemoveRole("editor"))
	assert.Equal(t, []string{"viewer"}, user.Roles())

	user.SetRoles([]string{"a", "b", "a"})
	assert.Equal(t, []string{"a", "b"}, user.Roles())
}

// TestPurpose: Validates credential rotation replaces the hash and only the new secret verifies.
// Scope: Unit Test
// Security: Credential rotation
// Expected: Old secret rejected, new secret accepted; federated users get ErrNotLocal.
// Test Case ID: USR-05
func TestUser_RotateCredential(t *testing.T) {
	h := newTestHasher(t)
	user, oldSecret, err := NewLocal(h, "dave")
	require.NoError(t, err)

	newSecret, err := user.RotateCredential(h)
	require.NoError(t, err)
	assert.NotEqual(t, oldSecret, newSecret)

	valid, err := user.VerifyPassword(h, oldSecret)
	require.NoError(t, err)
	assert.False(t, valid)

	valid, err = user.VerifyPassword(h, newSecret)
	require.NoError(t, err)
	assert.True(t, valid)

	fed := NewFederated("erin", nil, Profile{})
	_, err = fed.RotateCredential(h)
	assert.ErrorIs(t, err, ErrNotLocal)
	assert.ErrorIs(t, fed.SetPassword(h, "x"), ErrNotLocal)
	_, err = fed.VerifyPassword(h, "x")
	assert.ErrorIs(t, err, ErrNotLocal)
}

// TestPurpose: Validates a corrupted stored hash surfaces as a typed error rather than a mismatch or panic.
// Scope: Unit Test
// Expected: VerifyPassword returns an error matching credential.ErrMalformedHash.
// Test Case ID: USR-06
func TestUser_VerifyPassword_MalformedHash(t *testing.T) {
	user := newUser(&Local{Username: "frank", PasswordHash: "not-a-valid-hash"})

	valid, err := user.VerifyPassword(newTestHasher(t), "anything")
	assert.False(t, valid)
	assert.ErrorIs(t, err, credential.ErrMalformedHash)
}

// TestPurpose: Validates the encoded form is explicitly tagged and decodes back to the same variant.
// Scope: Unit Test
// Expected: "kind" discriminator present; unset profile fields stay unset; unknown kinds rejected.
// Test Case ID: USR-07
func TestUser_JSONEncoding(t *testing.T) {
	h := newTestHasher(t)
	local, _, err := NewLocal(h, "gina")
	require.NoError(t, err)
	local.AddRole("ops")

	data, err := json.Marshal(local)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, KindLocal, raw["kind"])
	assert.Equal(t, "gina", raw["username"])
	assert.NotContains(t, raw, "subject_id")

	var decoded User
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "gina", decoded.Username())
	assert.Equal(t, []string{"ops"}, decoded.Roles())
	assert.Equal(t, local.Kind(), decoded.Kind())

	fed := NewFederated("henry", nil, Profile{Email: strPtr(""), Groups: []string{}})
	data, err = json.Marshal(fed)
	require.NoError(t, err)

	var decodedFed User
	require.NoError(t, json.Unmarshal(data, &decodedFed))
	f := decodedFed.Kind().(*Federated)
	assert.Equal(t, "henry", decodedFed.Username())
	require.NotNil(t, f.Profile.Email, "empty email is distinct from absent")
	assert.Equal(t, "", *f.Profile.Email)
	assert.Nil(t, f.Profile.Name)
	assert.NotNil(t, f.Profile.Groups)
	assert.Empty(t, f.Profile.Groups)

	noGroups := NewFederated("ivy", nil, Profile{})
	data, err = json.Marshal(noGroups)
	require.NoError(t, err)
	var decodedNoGroups User
	require.NoError(t, json.Unmarshal(data, &decodedNoGroups))
	assert.Nil(t, decodedNoGroups.Kind().(*Federated).Profile.Groups)

	var bad User
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"kind":"robot","roles":[]}`), &bad), ErrUnknownKind)
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"local","username":"x","roles":[]}`), &bad))
}

func TestUser_Clone(t *testing.T) {
	h := newTestHasher(t)
	user, _, err := NewLocal(h, "jack")
	require.NoError(t, err)

	clone := user.Clone()
	clone.AddRole("x")
	_, err = clone.RotateCredential(h)
	require.NoError(t, err)

	assert.Empty(t, user.Roles())
	assert.NotEqual(t, user.Kind().(*Local).PasswordHash, clone.Kind().(*Local).PasswordHash)
}
