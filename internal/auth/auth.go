// Package auth turns identity-provider session tokens into a Principal.
// Sign-in flows are handled by the provider; this package only verifies.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3xpluto/civic-ratelimit/internal/policy"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingSub   = errors.New("missing sub")
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    policy.Role
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
		return "", ErrMissingToken
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	if tok == "" {
		return "", ErrMissingToken
	}
	return tok, nil
}

// RoleMapper reads the caller's role from verified claims.
type RoleMapper struct {
	// Claim is a dotted path such as "role" or "metadata.role".
	Claim       string
	DefaultRole policy.Role
}

// Role returns the tier named by the claim. A claim holding an unknown tag
// is passed through so the rate limiter denies it; a missing claim falls
// back to DefaultRole.
func (m RoleMapper) Role(claims jwt.MapClaims) policy.Role {
	def := m.DefaultRole
	if def == "" {
		def = policy.RoleUser
	}
	path := m.Claim
	if path == "" {
		path = "role"
	}

	var cur any = map[string]any(claims)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return def
		}
		cur, ok = obj[part]
		if !ok {
			return def
		}
	}
	s, ok := cur.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return def
	}
	r, _ := policy.ParseRole(s)
	return r
}

func (m RoleMapper) principal(claims jwt.MapClaims) (Principal, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, ErrMissingSub
	}
	return Principal{Subject: sub, Role: m.Role(claims)}, nil
}
