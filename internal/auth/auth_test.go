// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/madfam-io/electrochem-sim/internal/apperr"
)

func TestIssueAndAuthenticate(t *testing.T) {
	o := NewJWTOracle("secret")
	ctx := context.Background()

	want := Principal{ID: "u1", Username: "alice", Superuser: true}
	token, err := o.IssueToken(want, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, err := o.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got != want {
		t.Errorf("principal = %+v, want %+v", got, want)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	o := NewJWTOracle("secret")
	ctx := context.Background()

	expired, _ := o.IssueToken(Principal{ID: "u1"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	foreign, _ := NewJWTOracle("other-secret").IssueToken(Principal{ID: "u1"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	noSubjectToken, _ := noSubject.SignedString([]byte("secret"))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"expired", expired},
		{"wrong secret", foreign},
		{"missing subject", noSubjectToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Authenticate(ctx, tt.token)
			if !apperr.IsKind(err, apperr.KindUnauthenticated) {
				t.Fatalf("got %v, want unauthenticated", err)
			}
		})
	}
}

func TestAuthenticateRejectsUnexpectedAlgorithm(t *testing.T) {
	o := NewJWTOracle("secret")

	// alg=none tokens must never validate.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	if _, err := o.Authenticate(context.Background(), token); !apperr.IsKind(err, apperr.KindUnauthenticated) {
		t.Fatalf("alg=none token: got %v, want unauthenticated", err)
	}
}
