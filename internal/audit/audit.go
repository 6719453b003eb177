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

package audit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event types
const (
	TypeLoginSuccess       = "login_success"
	TypeLoginFailed        = "login_failed"
	TypeRoleAssigned       = "role_assigned"
	TypeRoleRevoked        = "role_revoked"
	TypeSecretRotated      = "secret_rotated"
	TypeUserCreated        = "user_created"
	TypeUserUpdated        = "user_updated"
	TypeUserDeleted        = "user_deleted"
	TypeAdminBootstrapped  = "admin_bootstrapped"
	TypeCredentialRehashed = "credential_rehashed"
	TypeUserLocked         = "user_locked"
)

// Actors that are not users
const (
	ActorSystem = "system"
)

// Metadata keys
const (
	AttrReason = "reason"
	AttrKind   = "kind"
	AttrRole   = "role"
)

// Event represents an auditable action
type Event struct {
	Type      string
	ActorID   string
	Subject   string
	Metadata  map[string]any
	Timestamp time.Time
	IPAddress string
	UserAgent string
}

type clientKey struct{}

type client struct {
	ipAddress string
	userAgent string
}

// WithClient attaches the calling client's address and user agent to ctx.
// Loggers copy them onto events that do not set their own.
func WithClient(ctx context.Context, ipAddress, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, client{ipAddress: ipAddress, userAgent: userAgent})
}

func withClientInfo(ctx context.Context, event Event) Event {
	c, ok := ctx.Value(clientKey{}).(client)
	if !ok {
		return event
	}
	if event.IPAddress == "" {
		event.IPAddress = c.ipAddress
	}
	if event.UserAgent == "" {
		event.UserAgent = c.userAgent
	}
	return event
}

// Logger defines the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event Event)
}

// SlogLogger implements Logger using slog
type SlogLogger struct{}

// NewSlogLogger creates a new audit logger
func NewSlogLogger() *SlogLogger {
	return &SlogLogger{}
}

// Log records an audit event
func (l *SlogLogger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event = withClientInfo(ctx, event)

	attrs := []any{
		slog.String("audit_type", event.Type),
		slog.String("actor_id", event.ActorID),
		slog.String("subject", event.Subject),
		slog.Time("timestamp", event.Timestamp),
	}

	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}

	if len(event.Metadata) > 0 {
		group := []any{}
		for k, v := range event.Metadata {
			if isSecret(k) {
				v = "[REDACTED]"
			}
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", group...))
	}

	slog.InfoContext(ctx, "AUDIT_EVENT", append(attrs, slog.String("component", "audit"))...)
}

var secretMarkers = []string{"password", "secret", "token", "key", "authorization", "hash", "credential"}

// isSecret checks if a key likely contains a secret
func isSecret(key string) bool {
	key = strings.ToLower(key)
	for _, s := range secretMarkers {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// Recorder keeps events in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Log records an event
func (r *Recorder) Log(ctx context.Context, event Event) {
	event = withClientInfo(ctx, event)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}
