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

package oidc

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidIDToken wraps every ID token validation failure
var ErrInvalidIDToken = errors.New("oidc: invalid id_token")

// Verifier validates ID tokens issued to this service. Key discovery is the
// caller's concern and enters through the key function.
type Verifier struct {
	parser  *jwt.Parser
	keyfunc jwt.Keyfunc
}

// VerifierConfig configures a Verifier
type VerifierConfig struct {
	Issuer     string
	ClientID   string
	Algorithms []string      // defaults to RS256
	Leeway     time.Duration // clock skew tolerance
}

// NewVerifier creates a verifier for tokens from cfg.Issuer addressed to cfg.ClientID
func NewVerifier(cfg VerifierConfig, keyfunc jwt.Keyfunc) *Verifier {
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = []string{jwt.SigningMethodRS256.Alg()}
	}

	return &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods(algs),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.ClientID),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(cfg.Leeway),
		),
		keyfunc: keyfunc,
	}
}

// Verify checks the token's signature and registered claims and returns its
// claim set. The subject claim must be present.
func (v *Verifier) Verify(rawIDToken string) (*Claims, error) {
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(rawIDToken, claims, v.keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIDToken, err)
	}

	if _, err := claims.Subject(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIDToken, err)
	}

	return claims, nil
}
