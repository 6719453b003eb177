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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opentrusty/identitycore/internal/audit"
	"github.com/opentrusty/identitycore/internal/observability/logger"
)

// BootstrapService ensures the configured administrator exists
type BootstrapService struct {
	identityService *Service
	auditLogger     audit.Logger
}

// NewBootstrapService creates a new bootstrap service
func NewBootstrapService(identityService *Service, auditLogger audit.Logger) *BootstrapService {
	return &BootstrapService{
		identityService: identityService,
		auditLogger:     auditLogger,
	}
}

// Bootstrap creates the administrator from admin if it does not exist yet.
// An existing administrator whose stored hash no longer matches the
// configured password is re-hashed, and the admin role is restored if it
// was revoked. A lockout on the administrator is cleared.
func (s *BootstrapService) Bootstrap(ctx context.Context, admin AdminCredentials) error {
	if err := admin.Validate(); err != nil {
		return err
	}
	svc := s.identityService

	existing, err := svc.repo.Get(ctx, admin.Username)
	if errors.Is(err, ErrUserNotFound) {
		var user *User
		err := svc.withHashSlot(ctx, "hash", func() error {
			var err error
			user, err = BootstrapAdmin(svc.hasher, admin)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to build admin user: %w", err)
		}
		if err := svc.repo.Create(ctx, user); err != nil {
			return fmt.Errorf("failed to create admin user: %w", err)
		}
		s.recordBootstrap(ctx, admin.Username, "created")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check for existing admin: %w", err)
	}

	if existing.IsFederated() {
		return fmt.Errorf("admin username %q belongs to a federated user: %w", admin.Username, ErrUserAlreadyExists)
	}

	changed := existing.AddRole(RoleAdmin)

	var valid bool
	err = svc.withHashSlot(ctx, "verify", func() error {
		var err error
		valid, err = existing.VerifyPassword(svc.hasher, admin.Password)
		return err
	})
	if err != nil {
		// A corrupt stored hash is replaced by the configured password.
		slog.WarnContext(ctx, "admin credential unreadable, resetting", logger.Username(admin.Username), logger.Error(err))
	}
	if !valid {
		err := svc.withHashSlot(ctx, "hash", func() error {
			return existing.SetPassword(svc.hasher, admin.Password)
		})
		if err != nil {
			return fmt.Errorf("failed to reset admin password: %w", err)
		}
		changed = true
	}

	local := existing.Kind().(*Local)
	if local.FailedAttempts > 0 || local.LockedUntil != nil {
		if err := svc.repo.UpdateLockout(ctx, admin.Username, 0, nil); err != nil {
			return fmt.Errorf("failed to clear admin lockout: %w", err)
		}
		slog.InfoContext(ctx, "admin lockout cleared", logger.Username(admin.Username))
	}

	if !changed {
		return nil
	}
	if err := svc.repo.Update(ctx, existing); err != nil {
		return fmt.Errorf("failed to update admin user: %w", err)
	}
	s.recordBootstrap(ctx, admin.Username, "refreshed")
	return nil
}

func (s *BootstrapService) recordBootstrap(ctx context.Context, username, action string) {
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAdminBootstrapped,
		ActorID:  audit.ActorSystem,
		Subject:  username,
		Metadata: map[string]any{"action": action},
	})
	slog.InfoContext(ctx, "admin user bootstrapped", logger.Username(username), slog.String("action", action))
}
