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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/opentrusty/identitycore/internal/audit"
	"github.com/opentrusty/identitycore/internal/identity"
	"github.com/opentrusty/identitycore/internal/observability/logger"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			slog.DebugContext(r.Context(), "http_request_start",
				logger.RequestID(middleware.GetReqID(r.Context())),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.RemoteAddr(r.RemoteAddr),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request_end",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// AuditContextMiddleware attaches the client address and user agent to the
// request context so audit events carry them.
func AuditContextMiddleware(clientIP func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := audit.WithClient(r.Context(), clientIP(r), r.UserAgent())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuthMiddleware requires HTTP Basic credentials of a local user
// holding the admin role and records that user as the request's actor.
func (h *Handler) AdminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="identitycore"`)
			respondError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		user, err := h.identityService.Authenticate(r.Context(), username, password)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidCredentials) {
				w.Header().Set("WWW-Authenticate", `Basic realm="identitycore"`)
				respondError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			if errors.Is(err, identity.ErrAccountLocked) {
				respondError(w, http.StatusLocked, "account locked")
				return
			}
			slog.ErrorContext(r.Context(), "admin authentication failed", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}

		if !user.HasRole(identity.RoleAdmin) {
			slog.WarnContext(r.Context(), "non-admin attempted admin API access", logger.Username(username))
			respondError(w, http.StatusForbidden, "admin role required")
			return
		}

		next.ServeHTTP(w, r.WithContext(withActorID(r.Context(), user.Username())))
	})
}
