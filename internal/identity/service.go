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
	"time"

	"github.com/opentrusty/identitycore/internal/audit"
	"github.com/opentrusty/identitycore/internal/credential"
	"github.com/opentrusty/identitycore/internal/observability/logger"
	"github.com/opentrusty/identitycore/internal/observability/metrics"
	"github.com/opentrusty/identitycore/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// ErrInvalidRole is returned for empty role names
var ErrInvalidRole = errors.New("invalid role name")

// Verification outcomes recorded in metrics
const (
	outcomeMatch     = "match"
	outcomeMismatch  = "mismatch"
	outcomeMalformed = "malformed"
)

// LockoutPolicy locks a local account for Duration after MaxAttempts
// consecutive failed logins. MaxAttempts 0 disables lockout.
type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
}

// Service provides identity-related business logic
type Service struct {
	repo         UserRepository
	hasher       *credential.Hasher
	auditLogger  audit.Logger
	tracer       *tracing.Tracer
	lockout      LockoutPolicy
	now          func() time.Time
	hashSlots    *semaphore.Weighted
	verifyCount  metric.Int64Counter
	hashDuration metric.Float64Histogram
}

// NewService creates a new identity service. hashConcurrency bounds the
// number of Argon2 computations running at once; values below 1 mean 1.
func NewService(
	repo UserRepository,
	hasher *credential.Hasher,
	auditLogger audit.Logger,
	tracer *tracing.Tracer,
	meter *metrics.Meter,
	lockout LockoutPolicy,
	hashConcurrency int,
) (*Service, error) {
	if hashConcurrency < 1 {
		hashConcurrency = 1
	}

	verifyCount, err := meter.CreateCounter("identity.credential.verifications", "Password verifications by outcome")
	if err != nil {
		return nil, err
	}
	hashDuration, err := meter.CreateHistogram("identity.credential.hash_duration", "Time spent in Argon2 hashing", "ms")
	if err != nil {
		return nil, err
	}

	return &Service{
		repo:         repo,
		hasher:       hasher,
		auditLogger:  auditLogger,
		tracer:       tracer,
		lockout:      lockout,
		now:          time.Now,
		hashSlots:    semaphore.NewWeighted(int64(hashConcurrency)),
		verifyCount:  verifyCount,
		hashDuration: hashDuration,
	}, nil
}

// Hasher returns the hasher new credentials are produced with
func (s *Service) Hasher() *credential.Hasher {
	return s.hasher
}

// withHashSlot runs fn once a hashing slot is free, or returns ctx.Err()
func (s *Service) withHashSlot(ctx context.Context, op string, fn func() error) error {
	ctx, span := s.tracer.Start(ctx, "identity."+op)
	defer span.End()

	if err := s.hashSlots.Acquire(ctx, 1); err != nil {
		span.SetStatus(codes.Error, "waiting for hash slot")
		return fmt.Errorf("waiting for hash slot: %w", err)
	}
	defer s.hashSlots.Release(1)

	start := time.Now()
	err := fn()
	s.hashDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("operation", op)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	return err
}

// CreateLocalUser provisions a local account with a random secret. The
// secret is returned once and is not recoverable afterwards.
func (s *Service) CreateLocalUser(ctx context.Context, actorID, username string) (*User, string, error) {
	if username == "" {
		return nil, "", ErrInvalidUsername
	}

	if _, err := s.repo.Get(ctx, username); err == nil {
		return nil, "", ErrUserAlreadyExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, "", fmt.Errorf("failed to look up user: %w", err)
	}

	var (
		user   *User
		secret string
	)
	err := s.withHashSlot(ctx, "hash", func() error {
		var err error
		user, secret, err = NewLocal(s.hasher, username)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeUserCreated,
		ActorID:  actorID,
		Subject:  username,
		Metadata: map[string]any{audit.AttrKind: KindLocal},
	})
	slog.InfoContext(ctx, "local user created", logger.Username(username), logger.IdentityKind(KindLocal))

	return user, secret, nil
}

// CreateFederatedUser records a provider-asserted user. An existing
// federated user with the same subject has its profile and roles refreshed;
// a local user with that name is a conflict.
func (s *Service) CreateFederatedUser(ctx context.Context, actorID, fallbackUsername string, roles []string, profile Profile) (*User, error) {
	user := NewFederated(fallbackUsername, roles, profile)
	username := user.Username()
	if username == "" {
		return nil, ErrInvalidUsername
	}

	existing, err := s.repo.Get(ctx, username)
	switch {
	case errors.Is(err, ErrUserNotFound):
		if err := s.repo.Create(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeUserCreated,
			ActorID:  actorID,
			Subject:  username,
			Metadata: map[string]any{audit.AttrKind: KindFederated},
		})
		slog.InfoContext(ctx, "federated user created", logger.Username(username), logger.IdentityKind(KindFederated))
		return user, nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up user: %w", err)
	case !existing.IsFederated():
		return nil, ErrUserAlreadyExists
	}

	if err := s.repo.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeUserUpdated,
		ActorID:  actorID,
		Subject:  username,
		Metadata: map[string]any{audit.AttrKind: KindFederated},
	})
	return user, nil
}

// Authenticate verifies a local user's password. Unknown users, federated
// users and wrong passwords all yield ErrInvalidCredentials; a locked
// account yields ErrAccountLocked without checking the password. A stored
// hash that cannot be parsed is returned as an error matching
// credential.ErrMalformedHash.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.repo.Get(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("failed to look up user: %w", err)
		}
		s.loginFailed(ctx, username, "user_not_found")
		return nil, ErrInvalidCredentials
	}

	local, ok := user.Kind().(*Local)
	if !ok {
		s.loginFailed(ctx, username, "federated_user")
		return nil, ErrInvalidCredentials
	}

	if local.LockedAt(s.now()) {
		s.loginFailed(ctx, username, "locked_out")
		return nil, ErrAccountLocked
	}

	verifiedHash := local.PasswordHash
	var valid bool
	err = s.withHashSlot(ctx, "verify", func() error {
		var err error
		valid, err = user.VerifyPassword(s.hasher, password)
		return err
	})
	if err != nil {
		if errors.Is(err, credential.ErrMalformedHash) {
			s.verifyCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeMalformed)))
			slog.ErrorContext(ctx, "stored credential is malformed", logger.Username(username), logger.Error(err))
			s.loginFailed(ctx, username, "malformed_hash")
			return nil, fmt.Errorf("stored credential for %q: %w", username, err)
		}
		return nil, err
	}

	if !valid {
		s.verifyCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeMismatch)))
		s.loginFailed(ctx, username, "invalid_password")
		s.recordFailure(ctx, local)
		return nil, ErrInvalidCredentials
	}

	s.verifyCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeMatch)))
	s.auditLogger.Log(ctx, audit.Event{
		Type:    audit.TypeLoginSuccess,
		ActorID: username,
		Subject: username,
	})

	if local.FailedAttempts > 0 || local.LockedUntil != nil {
		if err := s.repo.UpdateLockout(ctx, username, 0, nil); err != nil {
			slog.WarnContext(ctx, "failed to reset lockout", logger.Username(username), logger.Error(err))
		}
		local.FailedAttempts, local.LockedUntil = 0, nil
	}

	s.upgradeHash(ctx, user, verifiedHash, password)
	return user, nil
}

// recordFailure counts a failed password and locks the account once the
// policy threshold is reached. An expired lock starts a fresh count.
func (s *Service) recordFailure(ctx context.Context, local *Local) {
	if s.lockout.MaxAttempts <= 0 {
		return
	}

	attempts := local.FailedAttempts + 1
	if local.LockedUntil != nil {
		attempts = 1
	}

	var lockedUntil *time.Time
	if attempts >= s.lockout.MaxAttempts {
		until := s.now().Add(s.lockout.Duration)
		lockedUntil = &until
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeUserLocked,
			ActorID:  audit.ActorSystem,
			Subject:  local.Username,
			Metadata: map[string]any{"failed_attempts": attempts, "locked_until": until},
		})
		slog.WarnContext(ctx, "account locked after failed logins", logger.Username(local.Username))
	}

	if err := s.repo.UpdateLockout(ctx, local.Username, attempts, lockedUntil); err != nil {
		slog.WarnContext(ctx, "failed to record failed login", logger.Username(local.Username), logger.Error(err))
	}
}

// upgradeHash re-hashes a verified password produced with outdated
// parameters. The new hash is stored only if verifiedHash is still the
// stored one, so a concurrent rotation wins. Failures are logged;
// authentication has already succeeded.
func (s *Service) upgradeHash(ctx context.Context, user *User, verifiedHash, password string) {
	needs, err := s.hasher.NeedsRehash(verifiedHash)
	if err != nil || !needs {
		return
	}

	var newHash string
	err = s.withHashSlot(ctx, "hash", func() error {
		var err error
		newHash, err = s.hasher.Hash(password)
		return err
	})
	if err == nil {
		err = s.repo.UpdatePasswordHash(ctx, user.Username(), verifiedHash, newHash)
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to upgrade credential hash", logger.Username(user.Username()), logger.Error(err))
		return
	}
	user.Kind().(*Local).PasswordHash = newHash

	s.auditLogger.Log(ctx, audit.Event{
		Type:    audit.TypeCredentialRehashed,
		ActorID: audit.ActorSystem,
		Subject: user.Username(),
	})
}

func (s *Service) loginFailed(ctx context.Context, username, reason string) {
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeLoginFailed,
		Subject:  username,
		Metadata: map[string]any{audit.AttrReason: reason},
	})
}

// RotateCredential gives a local user a new random secret and returns it
func (s *Service) RotateCredential(ctx context.Context, actorID, username string) (string, error) {
	user, err := s.repo.Get(ctx, username)
	if err != nil {
		return "", err
	}

	var secret string
	err = s.withHashSlot(ctx, "hash", func() error {
		var err error
		secret, err = user.RotateCredential(s.hasher)
		return err
	})
	if err != nil {
		return "", err
	}

	if err := s.repo.Update(ctx, user); err != nil {
		return "", fmt.Errorf("failed to store rotated credential: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:    audit.TypeSecretRotated,
		ActorID: actorID,
		Subject: username,
	})
	return secret, nil
}

// AddRole grants role to the user. Granting a role twice is a no-op.
func (s *Service) AddRole(ctx context.Context, actorID, username, role string) (*User, error) {
	if role == "" {
		return nil, ErrInvalidRole
	}

	user, err := s.repo.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if !user.AddRole(role) {
		return user, nil
	}

	if err := s.repo.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update roles: %w", err)
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeRoleAssigned,
		ActorID:  actorID,
		Subject:  username,
		Metadata: map[string]any{audit.AttrRole: role},
	})
	slog.InfoContext(ctx, "role assigned", logger.Username(username), logger.Role(role))
	return user, nil
}

// RemoveRole revokes role from the user. Revoking an absent role is a no-op.
func (s *Service) RemoveRole(ctx context.Context, actorID, username, role string) (*User, error) {
	if role == "" {
		return nil, ErrInvalidRole
	}

	user, err := s.repo.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if !user.RemoveRole(role) {
		return user, nil
	}

	if err := s.repo.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update roles: %w", err)
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeRoleRevoked,
		ActorID:  actorID,
		Subject:  username,
		Metadata: map[string]any{audit.AttrRole: role},
	})
	slog.InfoContext(ctx, "role revoked", logger.Username(username), logger.Role(role))
	return user, nil
}

// GetUser retrieves a user by username
func (s *Service) GetUser(ctx context.Context, username string) (*User, error) {
	return s.repo.Get(ctx, username)
}

// ListUsers returns every user
func (s *Service) ListUsers(ctx context.Context) ([]*User, error) {
	return s.repo.List(ctx)
}

// DeleteUser removes a user
func (s *Service) DeleteUser(ctx context.Context, actorID, username string) error {
	if err := s.repo.Delete(ctx, username); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:    audit.TypeUserDeleted,
		ActorID: actorID,
		Subject: username,
	})
	return nil
}
