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

// Package oidc maps OpenID Connect claims from an external identity
// provider onto identity profiles.
package oidc

import (
	"encoding/json"
	"errors"
	"math"
	"net/url"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentrusty/identitycore/internal/identity"
)

// ErrSubjectMissing is returned when the claim set has no "sub"
var ErrSubjectMissing = errors.New("oidc: subject claim missing")

// Claims is the claim set of an ID token or userinfo response: the
// registered JWT claims, the standard profile claims (OIDC Core 5.1) and the
// provider's "group" claim.
type Claims struct {
	jwt.RegisteredClaims

	Name              *string  `json:"name,omitempty"`
	PreferredUsername *string  `json:"preferred_username,omitempty"`
	Picture           *string  `json:"picture,omitempty"`
	Email             *string  `json:"email,omitempty"`
	Gender            *string  `json:"gender,omitempty"`
	UpdatedAt         *int64   `json:"updated_at,omitempty"`
	Group             []string `json:"group,omitempty"`
}

// Subject returns the "sub" claim
func (c *Claims) Subject() (string, error) {
	if c.RegisteredClaims.Subject == "" {
		return "", ErrSubjectMissing
	}
	return c.RegisteredClaims.Subject, nil
}

// GroupsFromClaims returns the provider group memberships, nil if absent
func GroupsFromClaims(c *Claims) []string {
	if c.Group == nil {
		return nil
	}
	return slices.Clone(c.Group)
}

// ProfileFromClaims maps the standard claims onto a profile. Absent claims
// stay unset; Groups is left unset for the caller to fill.
func ProfileFromClaims(c *Claims) identity.Profile {
	return identity.Profile{
		Name:              cloneString(c.Name),
		PreferredUsername: cloneString(c.PreferredUsername),
		Picture:           pictureURL(c.Picture),
		Email:             cloneString(c.Email),
		Gender:            cloneString(c.Gender),
		UpdatedAt:         cloneInt64(c.UpdatedAt),
	}
}

// ProfileFromUserinfo maps a decoded userinfo document. Values of the wrong
// JSON type are treated as absent.
func ProfileFromUserinfo(info map[string]any) identity.Profile {
	return identity.Profile{
		Name:              stringClaim(info, "name"),
		PreferredUsername: stringClaim(info, "preferred_username"),
		Picture:           pictureURL(stringClaim(info, "picture")),
		Email:             stringClaim(info, "email"),
		Gender:            stringClaim(info, "gender"),
		UpdatedAt:         int64Claim(info, "updated_at"),
	}
}

// GroupsFromUserinfo returns the "group" memberships of a userinfo
// document, nil if absent. Non-string members are skipped.
func GroupsFromUserinfo(info map[string]any) []string {
	raw, ok := info["group"].([]any)
	if !ok {
		return nil
	}
	groups := make([]string, 0, len(raw))
	for _, g := range raw {
		if s, ok := g.(string); ok {
			groups = append(groups, s)
		}
	}
	return groups
}

func stringClaim(info map[string]any, name string) *string {
	s, ok := info[name].(string)
	if !ok {
		return nil
	}
	return &s
}

func int64Claim(info map[string]any, name string) *int64 {
	var n int64
	switch v := info[name].(type) {
	case float64:
		if v != math.Trunc(v) || v >= math.MaxInt64 || v < math.MinInt64 {
			return nil
		}
		n = int64(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return nil
		}
		n = i
	case int64:
		n = v
	case int:
		n = int64(v)
	default:
		return nil
	}
	return &n
}

// pictureURL keeps the picture claim only when it is an absolute URL
func pictureURL(raw *string) *string {
	if raw == nil {
		return nil
	}
	u, err := url.Parse(*raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil
	}
	s := u.String()
	return &s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}
