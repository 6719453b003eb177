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

// Package credential implements one-way secret hashing in the PHC string
// format and random secret generation for locally managed accounts.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Algorithm identifiers understood by the codec
const (
	AlgorithmArgon2id = "argon2id"
	AlgorithmArgon2i  = "argon2i"
)

// Bounds enforced on hashes, both when producing and when parsing them
const (
	MinSaltLength   = 8
	MinKeyLength    = 4
	MaxMemory       = 4 * 1024 * 1024 // KiB
	MaxIterations   = 1024
	maxSecretLength = math.MaxUint32
)

var (
	// ErrMalformedHash matches every *MalformedHashError
	ErrMalformedHash = errors.New("malformed password hash")

	// ErrHashGeneration matches every *HashGenerationError
	ErrHashGeneration = errors.New("password hash generation failed")
)

// MalformedHashError reports a stored hash that does not follow
// $<id>$v=<version>$m=<m>,t=<t>,p=<p>$<salt>$<hash>.
type MalformedHashError struct {
	Reason string
}

func (e *MalformedHashError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformedHash, e.Reason)
}

func (e *MalformedHashError) Is(target error) bool {
	return target == ErrMalformedHash
}

func malformed(format string, args ...any) error {
	return &MalformedHashError{Reason: fmt.Sprintf(format, args...)}
}

// HashGenerationError wraps the cause of a failed Hash call
type HashGenerationError struct {
	Err error
}

func (e *HashGenerationError) Error() string {
	return fmt.Sprintf("%s: %v", ErrHashGeneration, e.Err)
}

func (e *HashGenerationError) Unwrap() error {
	return e.Err
}

func (e *HashGenerationError) Is(target error) bool {
	return target == ErrHashGeneration
}

// Params holds Argon2id cost parameters
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams returns the Argon2id parameters recommended by OWASP
// (19 MiB, two passes, single lane).
func DefaultParams() Params {
	return Params{
		Memory:      19 * 1024,
		Iterations:  2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Validate checks that the parameters can produce a hash that Verify accepts
func (p Params) Validate() error {
	switch {
	case p.Iterations < 1:
		return fmt.Errorf("argon2 iterations must be at least 1")
	case p.Iterations > MaxIterations:
		return fmt.Errorf("argon2 iterations must not exceed %d", MaxIterations)
	case p.Parallelism < 1:
		return fmt.Errorf("argon2 parallelism must be at least 1")
	case p.Memory < 8*uint32(p.Parallelism):
		return fmt.Errorf("argon2 memory must be at least 8*parallelism KiB")
	case p.Memory > MaxMemory:
		return fmt.Errorf("argon2 memory must not exceed %d KiB", MaxMemory)
	case p.SaltLength < MinSaltLength:
		return fmt.Errorf("salt length must be at least %d bytes", MinSaltLength)
	case p.KeyLength < MinKeyLength:
		return fmt.Errorf("key length must be at least %d bytes", MinKeyLength)
	}
	return nil
}

// Hasher hashes and verifies secrets using Argon2id.
// A Hasher is immutable and safe for concurrent use.
type Hasher struct {
	params Params
}

// NewHasher creates a new hasher with the given parameters
func NewHasher(params Params) (*Hasher, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hasher parameters: %w", err)
	}
	return &Hasher{params: params}, nil
}

// Params returns the parameters new hashes are produced with
func (h *Hasher) Params() Params {
	return h.params
}

// Hash derives a PHC encoded Argon2id hash of secret with a fresh random salt
func (h *Hasher) Hash(secret string) (string, error) {
	if uint64(len(secret)) > maxSecretLength {
		return "", &HashGenerationError{Err: errors.New("secret exceeds maximum length")}
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", &HashGenerationError{Err: fmt.Errorf("failed to generate salt: %w", err)}
	}

	key := argon2.IDKey(
		[]byte(secret),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return encodedHash{
		algorithm:   AlgorithmArgon2id,
		version:     argon2.Version,
		memory:      h.params.Memory,
		iterations:  h.params.Iterations,
		parallelism: h.params.Parallelism,
		salt:        salt,
		key:         key,
	}.String(), nil
}

// Verify reports whether candidate matches storedHash. The cost parameters
// and salt embedded in storedHash are used, not the hasher's own. A stored
// hash that cannot be parsed yields a *MalformedHashError; a mismatch is
// (false, nil).
func (h *Hasher) Verify(storedHash, candidate string) (bool, error) {
	return Verify(storedHash, candidate)
}

// Verify is the parameter-free form of Hasher.Verify
func Verify(storedHash, candidate string) (bool, error) {
	enc, err := parseEncodedHash(storedHash)
	if err != nil {
		return false, err
	}

	var actual []byte
	switch enc.algorithm {
	case AlgorithmArgon2id:
		actual = argon2.IDKey([]byte(candidate), enc.salt, enc.iterations, enc.memory, enc.parallelism, uint32(len(enc.key)))
	case AlgorithmArgon2i:
		actual = argon2.Key([]byte(candidate), enc.salt, enc.iterations, enc.memory, enc.parallelism, uint32(len(enc.key)))
	}

	return subtle.ConstantTimeCompare(actual, enc.key) == 1, nil
}

// NeedsRehash reports whether storedHash was produced with parameters other
// than the hasher's current ones.
func (h *Hasher) NeedsRehash(storedHash string) (bool, error) {
	enc, err := parseEncodedHash(storedHash)
	if err != nil {
		return false, err
	}
	return enc.algorithm != AlgorithmArgon2id ||
		enc.memory != h.params.Memory ||
		enc.iterations != h.params.Iterations ||
		enc.parallelism != h.params.Parallelism ||
		uint32(len(enc.salt)) != h.params.SaltLength ||
		uint32(len(enc.key)) != h.params.KeyLength, nil
}

type encodedHash struct {
	algorithm   string
	version     int
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (e encodedHash) String() string {
	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		e.algorithm,
		e.version,
		e.memory,
		e.iterations,
		e.parallelism,
		base64.RawStdEncoding.EncodeToString(e.salt),
		base64.RawStdEncoding.EncodeToString(e.key),
	)
}

// parseEncodedHash parses $<id>$v=<version>$<params>$<salt>$<hash>
func parseEncodedHash(s string) (*encodedHash, error) {
	if !strings.HasPrefix(s, "$") {
		return nil, malformed("missing leading '$'")
	}

	sections := strings.Split(s[1:], "$")
	if len(sections) != 5 {
		return nil, malformed("expected 5 sections, got %d", len(sections))
	}

	enc := &encodedHash{algorithm: sections[0]}
	if enc.algorithm != AlgorithmArgon2id && enc.algorithm != AlgorithmArgon2i {
		return nil, malformed("unsupported algorithm %q", enc.algorithm)
	}

	version, ok := strings.CutPrefix(sections[1], "v=")
	if !ok {
		return nil, malformed("missing version")
	}
	v, err := strconv.Atoi(version)
	if err != nil || strconv.Itoa(v) != version {
		return nil, malformed("invalid version %q", version)
	}
	if v != argon2.Version {
		return nil, malformed("unsupported version %d", v)
	}
	enc.version = v

	if err := enc.parseParams(sections[2]); err != nil {
		return nil, err
	}

	enc.salt, err = base64.RawStdEncoding.Strict().DecodeString(sections[3])
	if err != nil {
		return nil, malformed("invalid salt encoding")
	}
	if len(enc.salt) < MinSaltLength {
		return nil, malformed("salt shorter than %d bytes", MinSaltLength)
	}

	enc.key, err = base64.RawStdEncoding.Strict().DecodeString(sections[4])
	if err != nil {
		return nil, malformed("invalid hash encoding")
	}
	if len(enc.key) < MinKeyLength {
		return nil, malformed("hash shorter than %d bytes", MinKeyLength)
	}

	return enc, nil
}

func (e *encodedHash) parseParams(section string) error {
	values := make(map[string]uint64, 3)
	for _, pair := range strings.Split(section, ",") {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" || raw == "" {
			return malformed("invalid parameter %q", pair)
		}
		if name != "m" && name != "t" && name != "p" {
			return malformed("unknown parameter %q", name)
		}
		if _, dup := values[name]; dup {
			return malformed("duplicate parameter %q", name)
		}
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return malformed("invalid value for parameter %q", name)
		}
		values[name] = n
	}

	m, okM := values["m"]
	t, okT := values["t"]
	p, okP := values["p"]
	if !okM || !okT || !okP {
		return malformed("parameters m, t and p are required")
	}
	if p < 1 || p > math.MaxUint8 {
		return malformed("parallelism out of range")
	}
	if t < 1 || t > MaxIterations {
		return malformed("iterations out of range")
	}
	if m < 8*p || m > MaxMemory {
		return malformed("memory out of range")
	}

	e.memory = uint32(m)
	e.iterations = uint32(t)
	e.parallelism = uint8(p)
	return nil
}
