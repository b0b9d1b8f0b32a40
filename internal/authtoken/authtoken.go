// Package authtoken signs and verifies the per-app session tokens an
// app's own scripts issue against its configured JWT secret (spec §3
// "App" / "JWT secret"). It is not a protected capability module — the
// JWT secret is an ordinary config attribute available to every app's
// $g surface, not gated behind a permission grant — so this sits
// alongside reqmiddleware rather than under internal/capability.
//
// Grounded on the teacher's auth.Manager (credential handling shape);
// github.com/golang-jwt/jwt/v5 replaces the teacher's hand-rolled
// verification since it is already a direct dependency.
package authtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSecret is returned when an app has no configured JWT secret.
var ErrNoSecret = errors.New("authtoken: app has no configured jwt secret")

// Helper signs and verifies tokens for one app's JWTSecret.
type Helper struct {
	secret []byte
}

// New returns nil when secret is empty — scripts calling Sign/Verify on
// a nil *Helper get ErrNoSecret rather than a panic.
func New(secret string) *Helper {
	if secret == "" {
		return nil
	}
	return &Helper{secret: []byte(secret)}
}

// sessionClaims is the token payload; Subject identifies the
// app-defined principal (e.g. a user ID), not the app itself.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// Sign issues an HS256 token for subject, valid for ttl.
func (h *Helper) Sign(subject string, ttl time.Duration) (string, error) {
	if h == nil {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(h.secret)
}

// Verify validates tokenString's signature and expiry and returns its
// subject.
func (h *Helper) Verify(tokenString string) (string, error) {
	if h == nil {
		return "", ErrNoSecret
	}
	claims := &sessionClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("authtoken: invalid token: %w", err)
	}
	if !tok.Valid {
		return "", errors.New("authtoken: token failed validation")
	}
	return claims.Subject, nil
}
