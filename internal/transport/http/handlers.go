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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opentrusty/identitycore/internal/credential"
	"github.com/opentrusty/identitycore/internal/identity"
	"github.com/opentrusty/identitycore/internal/observability/logger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 1 << 20

// Handler holds HTTP handlers and dependencies
type Handler struct {
	identityService *identity.Service
}

// NewHandler creates a new HTTP handler
func NewHandler(identityService *identity.Service) *Handler {
	return &Handler{identityService: identityService}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(AuditContextMiddleware(rateLimiter.ClientIP))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.HealthCheck)
		r.Post("/auth/verify", h.VerifyCredentials)

		r.Group(func(r chi.Router) {
			r.Use(h.AdminAuthMiddleware)

			r.Route("/users", func(r chi.Router) {
				r.Get("/", h.ListUsers)
				r.Post("/", h.CreateLocalUser)
				r.Post("/federated", h.CreateFederatedUser)

				r.Route("/{username}", func(r chi.Router) {
					r.Get("/", h.GetUser)
					r.Delete("/", h.DeleteUser)
					r.Post("/rotate", h.RotateCredential)
					r.Put("/roles/{role}", h.AssignRole)
					r.Delete("/roles/{role}", h.RevokeRole)
				})
			})
		})
	})

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "identitycore",
	})
}

// VerifyRequest is the body of POST /auth/verify
type VerifyRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// VerifyCredentials checks a local username and password. It answers 204
// on a match and 401 otherwise; a corrupt stored hash is a server error
// whose detail stays in the logs.
func (h *Handler) VerifyCredentials(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if _, err := h.identityService.Authenticate(r.Context(), req.Username, req.Password); err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if errors.Is(err, identity.ErrAccountLocked) {
			respondError(w, http.StatusLocked, "account locked")
			return
		}
		slog.ErrorContext(r.Context(), "credential verification failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "credential verification failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// respondServiceError maps identity errors onto HTTP statuses
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, identity.ErrUserAlreadyExists):
		respondError(w, http.StatusConflict, "user already exists")
	case errors.Is(err, identity.ErrInvalidUsername):
		respondError(w, http.StatusBadRequest, "invalid username")
	case errors.Is(err, identity.ErrInvalidRole):
		respondError(w, http.StatusBadRequest, "invalid role")
	case errors.Is(err, identity.ErrInvalidPassword):
		respondError(w, http.StatusBadRequest, "invalid password")
	case errors.Is(err, identity.ErrAccountLocked):
		respondError(w, http.StatusLocked, "account locked")
	case errors.Is(err, identity.ErrNotLocal):
		respondError(w, http.StatusConflict, "user has no local credential")
	case errors.Is(err, credential.ErrMalformedHash):
		slog.ErrorContext(r.Context(), "stored credential is malformed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	default:
		slog.ErrorContext(r.Context(), "request failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
