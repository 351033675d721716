// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package auth is the boundary to the credential system: it maps a
// bearer token to an authenticated principal. Credential issuance and
// password hashing live outside this service.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
)

// Principal is an authenticated identity, the unit of quota
// enforcement.
type Principal struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Superuser bool   `json:"superuser"`
}

// Oracle resolves bearer tokens to principals.
type Oracle interface {
	// Authenticate returns the principal for token, or an
	// unauthenticated error.
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// claims is the expected JWT payload. Subject carries the principal ID.
type claims struct {
	Username  string `json:"username,omitempty"`
	Superuser bool   `json:"superuser,omitempty"`
	jwt.RegisteredClaims
}

// JWTOracle validates HS256 bearer tokens signed with a shared secret.
type JWTOracle struct {
	secret []byte
}

// NewJWTOracle creates an oracle for the given signing secret.
func NewJWTOracle(secret string) *JWTOracle {
	return &JWTOracle{secret: []byte(secret)}
}

// Authenticate parses and verifies the token. Expiry and signature
// failures both surface as unauthenticated; the caller never learns
// which.
func (o *JWTOracle) Authenticate(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, apperr.New(apperr.KindUnauthenticated, "missing bearer token")
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Newf(apperr.KindUnauthenticated,
				"unexpected signing method %v", t.Header["alg"])
		}
		return o.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, apperr.New(apperr.KindUnauthenticated, "invalid or expired token")
	}
	if c.Subject == "" {
		return Principal{}, apperr.New(apperr.KindUnauthenticated, "token missing subject")
	}

	return Principal{
		ID:        c.Subject,
		Username:  c.Username,
		Superuser: c.Superuser,
	}, nil
}

// IssueToken signs a token for a principal. Used by tests and by
// operators bootstrapping access; production tokens come from the
// external credential service.
func (o *JWTOracle) IssueToken(p Principal, registered jwt.RegisteredClaims) (string, error) {
	registered.Subject = p.ID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username:         p.Username,
		Superuser:        p.Superuser,
		RegisteredClaims: registered,
	})
	signed, err := token.SignedString(o.secret)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "sign token", err)
	}
	return signed, nil
}
