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

package http

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/opentrusty/identitycore/internal/identity"
	"github.com/opentrusty/identitycore/internal/oidc"
)

// UserResponse is the client view of a user. It never carries a hash.
type UserResponse struct {
	Username string            `json:"username"`
	Kind     string            `json:"kind"`
	Roles    []string          `json:"roles"`
	Profile  *identity.Profile `json:"profile,omitempty"`
}

func newUserResponse(u *identity.User) UserResponse {
	resp := UserResponse{
		Username: u.Username(),
		Kind:     u.KindName(),
		Roles:    u.Roles(),
	}
	if f, ok := u.Kind().(*identity.Federated); ok {
		profile := f.Profile
		resp.Profile = &profile
	}
	return resp
}

// CreateLocalUserRequest is the body of POST /users
type CreateLocalUserRequest struct {
	Username string `json:"username"`
}

// CreatedUserResponse carries the generated secret, shown only once
type CreatedUserResponse struct {
	UserResponse
	Password string `json:"password"`
}

// CreateFederatedUserRequest is the body of POST /users/federated. Userinfo
// is the provider's userinfo document; its "name" becomes the username when
// present.
type CreateFederatedUserRequest struct {
	Username string         `json:"username"`
	Roles    []string       `json:"roles"`
	Userinfo map[string]any `json:"userinfo"`
}

// ListUsers returns every user
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.identityService.ListUsers(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	resp := make([]UserResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, newUserResponse(u))
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetUser returns a single user
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	username, ok := pathParam(w, r, "username")
	if !ok {
		return
	}
	user, err := h.identityService.GetUser(r.Context(), username)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newUserResponse(user))
}

// CreateLocalUser provisions a local user with a generated password
func (h *Handler) CreateLocalUser(w http.ResponseWriter, r *http.Request) {
	var req CreateLocalUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, secret, err := h.identityService.CreateLocalUser(r.Context(), GetActorID(r.Context()), req.Username)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusCreated, CreatedUserResponse{
		UserResponse: newUserResponse(user),
		Password:     secret,
	})
}

// CreateFederatedUser records or refreshes a provider-asserted user
func (h *Handler) CreateFederatedUser(w http.ResponseWriter, r *http.Request) {
	var req CreateFederatedUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile := oidc.ProfileFromUserinfo(req.Userinfo)
	profile.Groups = oidc.GroupsFromUserinfo(req.Userinfo)

	user, err := h.identityService.CreateFederatedUser(r.Context(), GetActorID(r.Context()), req.Username, req.Roles, profile)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newUserResponse(user))
}

// DeleteUser removes a user
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	username, ok := pathParam(w, r, "username")
	if !ok {
		return
	}
	if err := h.identityService.DeleteUser(r.Context(), GetActorID(r.Context()), username); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateCredential issues a new password for a local user
func (h *Handler) RotateCredential(w http.ResponseWriter, r *http.Request) {
	username, ok := pathParam(w, r, "username")
	if !ok {
		return
	}
	secret, err := h.identityService.RotateCredential(r.Context(), GetActorID(r.Context()), username)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, map[string]string{"password": secret})
}

// AssignRole grants a role
func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	username, ok := pathParam(w, r, "username")
	if !ok {
		return
	}
	role, ok := pathParam(w, r, "role")
	if !ok {
		return
	}
	user, err := h.identityService.AddRole(r.Context(), GetActorID(r.Context()), username, role)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newUserResponse(user))
}

// RevokeRole revokes a role
func (h *Handler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	username, ok := pathParam(w, r, "username")
	if !ok {
		return
	}
	role, ok := pathParam(w, r, "role")
	if !ok {
		return
	}
	user, err := h.identityService.RemoveRole(r.Context(), GetActorID(r.Context()), username, role)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newUserResponse(user))
}

// pathParam returns the decoded URL parameter. chi routes on the escaped
// path when the request carries one (e.g. a "%2F" in a federated subject),
// so parameters are unescaped only in that case.
func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return value, true
	}
	decoded, err := url.PathUnescape(value)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid path parameter")
		return "", false
	}
	return decoded, true
}
