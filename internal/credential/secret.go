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

package credential

import (
	"crypto/rand"
	"fmt"
	"log/slog"
)

// DefaultSecretLength is the length of generated account secrets
const DefaultSecretLength = 16

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Largest multiple of len(alphanumeric) that fits in a byte. Bytes at or above
// it are rejected so that every symbol is equally likely.
const rejectAbove = 256 - 256%len(alphanumeric)

// SecretAndHash pairs a freshly generated plaintext secret with its hash.
// The plaintext must be handed to the caller once and never stored.
type SecretAndHash struct {
	Secret string
	Hash   string
}

// String redacts the plaintext
func (s SecretAndHash) String() string {
	return "SecretAndHash{Secret:[REDACTED]}"
}

// GoString redacts the plaintext for %#v
func (s SecretAndHash) GoString() string {
	return s.String()
}

// LogValue redacts the plaintext when logged through slog
func (s SecretAndHash) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// GenerateSecret returns length characters drawn uniformly from [A-Za-z0-9]
// using crypto/rand. A non-positive length selects DefaultSecretLength.
func GenerateSecret(length int) (string, error) {
	if length <= 0 {
		length = DefaultSecretLength
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length+length/4)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, alphanumeric[int(b)%len(alphanumeric)])
			if len(out) == length {
				break
			}
		}
	}

	return string(out), nil
}

// GenerateCredential creates a random secret and hashes it with h.
// This is the only way new local accounts receive credentials.
func GenerateCredential(h *Hasher) (SecretAndHash, error) {
	secret, err := GenerateSecret(DefaultSecretLength)
	if err != nil {
		return SecretAndHash{}, &HashGenerationError{Err: err}
	}

	hash, err := h.Hash(secret)
	if err != nil {
		return SecretAndHash{}, err
	}

	return SecretAndHash{Secret: secret, Hash: hash}, nil
}
