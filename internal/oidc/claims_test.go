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

package oidc_test

import (
	"encoding/json"
	"testing"

	"github.com/opentrusty/identitycore/internal/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Verifies every standard claim present in the source is mapped straight across.
// Scope: Unit Test
// Expected: All profile fields set to the claim values; Groups stays unset.
func TestOIDC_ProfileFromClaims_AllClaims(t *testing.T) {
	var claims oidc.Claims
	require.NoError(t, json.Unmarshal([]byte(`{
		"sub": "248289761001",
		"name": "Jane Doe",
		"preferred_username": "j.doe",
		"picture": "https://example.com/janedoe/me.jpg",
		"email": "janedoe@example.com",
		"gender": "female",
		"updated_at": 1311280970,
		"group": ["eng", "ops"]
	}`), &claims))

	p := oidc.ProfileFromClaims(&claims)

	require.NotNil(t, p.Name)
	assert.Equal(t, "Jane Doe", *p.Name)
	require.NotNil(t, p.PreferredUsername)
	assert.Equal(t, "j.doe", *p.PreferredUsername)
	require.NotNil(t, p.Picture)
	assert.Equal(t, "https://example.com/janedoe/me.jpg", *p.Picture)
	require.NotNil(t, p.Email)
	assert.Equal(t, "janedoe@example.com", *p.Email)
	require.NotNil(t, p.Gender)
	assert.Equal(t, "female", *p.Gender)
	require.NotNil(t, p.UpdatedAt)
	assert.Equal(t, int64(1311280970), *p.UpdatedAt)
	assert.Nil(t, p.Groups, "groups are sourced separately")

	assert.Equal(t, []string{"eng", "ops"}, oidc.GroupsFromClaims(&claims))

	sub, err := claims.Subject()
	require.NoError(t, err)
	assert.Equal(t, "248289761001", sub)
}

// TestPurpose: Verifies absent claims stay unset and empty claims stay empty rather than being conflated.
// Scope: Unit Test
// Expected: Only email set (to ""); everything else nil.
func TestOIDC_ProfileFromClaims_AbsentVersusEmpty(t *testing.T) {
	var claims oidc.Claims
	require.NoError(t, json.Unmarshal([]byte(`{"sub":"x","email":""}`), &claims))

	p := oidc.ProfileFromClaims(&claims)

	require.NotNil(t, p.Email)
	assert.Equal(t, "", *p.Email)
	assert.Nil(t, p.Name)
	assert.Nil(t, p.PreferredUsername)
	assert.Nil(t, p.Picture)
	assert.Nil(t, p.Gender)
	assert.Nil(t, p.UpdatedAt)
	assert.Nil(t, p.Groups)
	assert.Nil(t, oidc.GroupsFromClaims(&claims))
}

// TestPurpose: Verifies a picture claim that is not an absolute URL is dropped.
// Scope: Unit Test
// Expected: Picture unset for relative or unparsable values.
func TestOIDC_ProfileFromClaims_InvalidPicture(t *testing.T) {
	for _, raw := range []string{"me.jpg", "/avatars/me.jpg", "http://[::1", ""} {
		pic := raw
		p := oidc.ProfileFromClaims(&oidc.Claims{Picture: &pic})
		assert.Nil(t, p.Picture, "picture %q", raw)
	}
}

// TestPurpose: Verifies the subject accessor reports a missing sub claim as a recoverable error.
// Scope: Unit Test
// Expected: ErrSubjectMissing.
func TestOIDC_Claims_SubjectMissing(t *testing.T) {
	_, err := (&oidc.Claims{}).Subject()
	assert.ErrorIs(t, err, oidc.ErrSubjectMissing)
}

// TestPurpose: Verifies userinfo documents map like claims and tolerate wrongly typed values.
// Scope: Unit Test
// Expected: Well-typed values mapped, wrongly typed values unset.
func TestOIDC_ProfileFromUserinfo(t *testing.T) {
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"sub": "abc",
		"name": "Bobby",
		"preferred_username": 42,
		"picture": "https://cdn.example.com/b.png",
		"email": "bob@example.com",
		"gender": null,
		"updated_at": 1700000000,
		"groups": ["x"]
	}`), &info))

	p := oidc.ProfileFromUserinfo(info)

	require.NotNil(t, p.Name)
	assert.Equal(t, "Bobby", *p.Name)
	assert.Nil(t, p.PreferredUsername)
	require.NotNil(t, p.Picture)
	assert.Equal(t, "https://cdn.example.com/b.png", *p.Picture)
	require.NotNil(t, p.Email)
	assert.Nil(t, p.Gender)
	require.NotNil(t, p.UpdatedAt)
	assert.Equal(t, int64(1700000000), *p.UpdatedAt)
	assert.Nil(t, p.Groups)

	fractional := oidc.ProfileFromUserinfo(map[string]any{"updated_at": 1.5})
	assert.Nil(t, fractional.UpdatedAt)

	assert.Equal(t, oidc.ProfileFromUserinfo(nil), oidc.ProfileFromUserinfo(map[string]any{}))
}

// TestPurpose: Verifies the mapped profile does not alias the claim set.
// Scope: Unit Test
// Expected: Mutating the claims after mapping leaves the profile untouched.
func TestOIDC_ProfileFromClaims_NoAliasing(t *testing.T) {
	name := "Carol"
	claims := &oidc.Claims{Name: &name, Group: []string{"a"}}

	p := oidc.ProfileFromClaims(claims)
	groups := oidc.GroupsFromClaims(claims)
	name = "Mallory"
	claims.Group[0] = "b"

	assert.Equal(t, "Carol", *p.Name)
	assert.Equal(t, []string{"a"}, groups)
}

func TestOIDC_GroupsFromUserinfo(t *testing.T) {
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"group":["eng",7,"ops"]}`), &info))

	assert.Equal(t, []string{"eng", "ops"}, oidc.GroupsFromUserinfo(info))
	assert.Nil(t, oidc.GroupsFromUserinfo(map[string]any{"group": "eng"}))
	assert.Nil(t, oidc.GroupsFromUserinfo(nil))
}
