package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// HMACVerifier checks HS256 tokens signed with a shared secret. Used for
// local development with cmd/token.
type HMACVerifier struct {
	Secret []byte
	Roles  RoleMapper
}

func (h HMACVerifier) Verify(_ context.Context, tokStr string) (Principal, error) {
	if tokStr == "" {
		return Principal{}, ErrMissingToken
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	tok, err := parser.ParseWithClaims(tokStr, claims, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected jwt alg")
		}
		return h.Secret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return Principal{}, ErrInvalidToken
	}
	return h.Roles.principal(claims)
}
