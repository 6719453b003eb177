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
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/opentrusty/identitycore/internal/credential"
)

// Domain errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrAccountLocked      = errors.New("account is locked")
	ErrCredentialChanged  = errors.New("credential changed concurrently")
	ErrNotLocal           = errors.New("user does not have a local credential")
	ErrUnknownKind        = errors.New("unknown identity kind")
)

// RoleAdmin is the role carried by the bootstrap administrator
const RoleAdmin = "admin"

// Identity kind discriminators used in the encoded form
const (
	KindLocal     = "local"
	KindFederated = "federated"
)

// Kind is the identity of a user. It is implemented by exactly *Local and
// *Federated; the unexported method keeps other packages from adding variants.
type Kind interface {
	kind() string
}

// Local is an identity whose secret is managed by this system.
// PasswordHash is always a PHC string produced by credential.Hasher.
// FailedAttempts and LockedUntil are lockout state; they are not part of
// the encoded document and are persisted through UpdateLockout.
type Local struct {
	Username       string
	PasswordHash   string
	FailedAttempts int
	LockedUntil    *time.Time
}

// LockedAt reports whether the account is locked at now
func (l *Local) LockedAt(now time.Time) bool {
	return l.LockedUntil != nil && l.LockedUntil.After(now)
}

func (*Local) kind() string { return KindLocal }

// Federated is an identity asserted by an external identity provider.
// SubjectID is fixed when the user is created.
type Federated struct {
	SubjectID string
	Profile   Profile
}

func (*Federated) kind() string { return KindFederated }

// Profile holds the optional attributes an identity provider reports.
// A nil field means the provider did not send the claim.
type Profile struct {
	Name              *string  `json:"name,omitempty"`
	PreferredUsername *string  `json:"preferred_username,omitempty"`
	Picture           *string  `json:"picture,omitempty"`
	Email             *string  `json:"email,omitempty"`
	Gender            *string  `json:"gender,omitempty"`
	UpdatedAt         *int64   `json:"updated_at,omitempty"`
	Groups            []string `json:"groups"`
}

// User is an identity plus the set of role names granted to it
type User struct {
	kind  Kind
	roles mapset.Set[string]
}

// AdminCredentials are the bootstrap administrator's username and password,
// supplied by process configuration.
type AdminCredentials struct {
	Username string
	Password string
}

// Validate rejects an empty username or password
func (a AdminCredentials) Validate() error {
	if a.Username == "" {
		return ErrInvalidUsername
	}
	if a.Password == "" {
		return fmt.Errorf("%w: admin password is required", ErrInvalidPassword)
	}
	return nil
}

// UserRepository defines the interface for user persistence
type UserRepository interface {
	// Create stores a new user; ErrUserAlreadyExists if the username is taken
	Create(ctx context.Context, user *User) error

	// Get retrieves a user by username; ErrUserNotFound if absent
	Get(ctx context.Context, username string) (*User, error)

	// Update replaces a stored user; lockout state is left as stored
	Update(ctx context.Context, user *User) error

	// Delete removes a user; ErrUserNotFound if absent
	Delete(ctx context.Context, username string) error

	// List returns all users ordered by username
	List(ctx context.Context) ([]*User, error)

	// UpdatePasswordHash replaces a local user's hash only if it still
	// equals oldHash; ErrCredentialChanged otherwise
	UpdatePasswordHash(ctx context.Context, username, oldHash, newHash string) error

	// UpdateLockout stores a local user's lockout state
	UpdateLockout(ctx context.Context, username string, failedAttempts int, lockedUntil *time.Time) error
}

func newUser(kind Kind, roles ...string) *User {
	return &User{kind: kind, roles: mapset.NewSet(roles...)}
}

// NewLocal creates a local user with a freshly generated secret and no roles.
// The returned secret must be shown to the caller once and then discarded.
func NewLocal(h *credential.Hasher, username string) (*User, string, error) {
	if username == "" {
		return nil, "", ErrInvalidUsername
	}

	cred, err := credential.GenerateCredential(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate credential: %w", err)
	}

	return newUser(&Local{Username: username, PasswordHash: cred.Hash}), cred.Secret, nil
}

// NewFederated creates a user asserted by an identity provider. The subject
// is the profile's display name when present, otherwise fallbackUsername.
func NewFederated(fallbackUsername string, roles []string, profile Profile) *User {
	subject := fallbackUsername
	if profile.Name != nil {
		subject = *profile.Name
	}
	return newUser(&Federated{SubjectID: subject, Profile: profile}, roles...)
}

// BootstrapAdmin creates the administrator from configured credentials
func BootstrapAdmin(h *credential.Hasher, admin AdminCredentials) (*User, error) {
	if err := admin.Validate(); err != nil {
		return nil, err
	}

	hash, err := h.Hash(admin.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash admin password: %w", err)
	}

	return newUser(&Local{Username: admin.Username, PasswordHash: hash}, RoleAdmin), nil
}

// Kind returns the user's identity
func (u *User) Kind() Kind {
	return u.kind
}

// KindName returns KindLocal or KindFederated
func (u *User) KindName() string {
	return u.kind.kind()
}

// Username returns the local username or the federated subject
func (u *User) Username() string {
	switch k := u.kind.(type) {
	case *Local:
		return k.Username
	case *Federated:
		return k.SubjectID
	default:
		return ""
	}
}

// IsFederated reports whether the identity was asserted by a provider
func (u *User) IsFederated() bool {
	_, ok := u.kind.(*Federated)
	return ok
}

// Roles returns the role names, sorted
func (u *User) Roles() []string {
	roles := u.roles.ToSlice()
	slices.Sort(roles)
	return roles
}

// HasRole reports whether role is granted
func (u *User) HasRole(role string) bool {
	return u.roles.Contains(role)
}

// AddRole grants role and reports whether it was newly added
func (u *User) AddRole(role string) bool {
	return u.roles.Add(role)
}

// RemoveRole revokes role and reports whether it was present
func (u *User) RemoveRole(role string) bool {
	if !u.roles.Contains(role) {
		return false
	}
	u.roles.Remove(role)
	return true
}

// SetRoles replaces the role set
func (u *User) SetRoles(roles []string) {
	u.roles = mapset.NewSet(roles...)
}

// VerifyPassword checks candidate against the local credential
func (u *User) VerifyPassword(h *credential.Hasher, candidate string) (bool, error) {
	local, ok := u.kind.(*Local)
	if !ok {
		return false, ErrNotLocal
	}
	return h.Verify(local.PasswordHash, candidate)
}

// RotateCredential replaces the local credential with a new random one and
// returns its plaintext, which must be shown once and discarded.
func (u *User) RotateCredential(h *credential.Hasher) (string, error) {
	local, ok := u.kind.(*Local)
	if !ok {
		return "", ErrNotLocal
	}

	cred, err := credential.GenerateCredential(h)
	if err != nil {
		return "", fmt.Errorf("failed to generate credential: %w", err)
	}
	local.PasswordHash = cred.Hash
	return cred.Secret, nil
}

// SetPassword replaces the local credential with a hash of password
func (u *User) SetPassword(h *credential.Hasher, password string) error {
	local, ok := u.kind.(*Local)
	if !ok {
		return ErrNotLocal
	}

	hash, err := h.Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	local.PasswordHash = hash
	return nil
}

// Clone returns a deep copy
func (u *User) Clone() *User {
	var kind Kind
	switch k := u.kind.(type) {
	case *Local:
		c := *k
		if k.LockedUntil != nil {
			until := *k.LockedUntil
			c.LockedUntil = &until
		}
		kind = &c
	case *Federated:
		c := *k
		c.Profile = k.Profile.clone()
		kind = &c
	}
	return &User{kind: kind, roles: u.roles.Clone()}
}

func (p Profile) clone() Profile {
	c := p
	if p.Groups != nil {
		c.Groups = slices.Clone(p.Groups)
	}
	return c
}

// userDocument is the tagged encoding of a User
type userDocument struct {
	Kind         string   `json:"kind"`
	Username     string   `json:"username,omitempty"`
	PasswordHash string   `json:"password_hash,omitempty"`
	SubjectID    string   `json:"subject_id,omitempty"`
	Profile      *Profile `json:"profile,omitempty"`
	Roles        []string `json:"roles"`
}

// MarshalJSON encodes the user with an explicit "kind" discriminator.
// The local password hash is included; never send this form to clients.
func (u *User) MarshalJSON() ([]byte, error) {
	doc := userDocument{Kind: u.kind.kind(), Roles: u.Roles()}
	switch k := u.kind.(type) {
	case *Local:
		doc.Username = k.Username
		doc.PasswordHash = k.PasswordHash
	case *Federated:
		doc.SubjectID = k.SubjectID
		doc.Profile = &k.Profile
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes the form produced by MarshalJSON
func (u *User) UnmarshalJSON(data []byte) error {
	var doc userDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	switch doc.Kind {
	case KindLocal:
		if doc.Username == "" || doc.PasswordHash == "" {
			return errors.New("local user requires username and password_hash")
		}
		u.kind = &Local{Username: doc.Username, PasswordHash: doc.PasswordHash}
	case KindFederated:
		if doc.SubjectID == "" {
			return errors.New("federated user requires subject_id")
		}
		f := &Federated{SubjectID: doc.SubjectID}
		if doc.Profile != nil {
			f.Profile = *doc.Profile
		}
		u.kind = f
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, doc.Kind)
	}

	u.roles = mapset.NewSet(doc.Roles...)
	return nil
}
