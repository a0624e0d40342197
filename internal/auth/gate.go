// Package auth implements the credential gate for Hearth: bearer token
// issuance and validation, password verification, and the registration flow
// with its configurable admission modes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hearth-chat/hearth/internal/store"
)

var (
	// ErrUnauthorized is returned for missing, invalid, or expired credentials.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrForbidden is returned when the identity lacks the required role.
	ErrForbidden = errors.New("auth: forbidden")
)

// Identity is the authenticated principal a token resolves to.
type Identity struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// IsAdmin reports whether the identity carries the admin role.
func (id Identity) IsAdmin() bool {
	return id.Role == store.RoleAdmin
}

// Claims is the JWT claim set Hearth issues.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Gate validates opaque bearer tokens and yields identities. Both the HTTP
// middleware and the WebSocket upgrade path resolve through the same Gate.
type Gate struct {
	secret []byte
	ttl    time.Duration
	users  store.UserStore
}

// NewGate creates a Gate signing with the given secret. Tokens expire after
// ttl; a non-positive ttl defaults to 24 hours.
func NewGate(secret []byte, ttl time.Duration, users store.UserStore) *Gate {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Gate{secret: secret, ttl: ttl, users: users}
}

// IssueToken signs a bearer token for the identity.
func (g *Gate) IssueToken(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
		Role: id.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token and confirms the account still
// exists, so revoked accounts lose access when their token is next presented.
func (g *Gate) Verify(ctx context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrUnauthorized
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrUnauthorized
	}

	user, err := g.users.UserByName(ctx, claims.Subject)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}

	return Identity{Username: user.Username, Role: user.Role}, nil
}
