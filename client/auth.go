package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthTokenEnvVar is the environment variable workers read the launch token
// from.
const AuthTokenEnvVar = "TOOLWIRE_AUTH_TOKEN"

// TokenProvider mints the credential placed into a worker's environment at
// spawn time, so workers can verify they were launched by an authorized
// supervisor.
type TokenProvider interface {
	Token(serverID string) (string, error)
}

// StaticTokenProvider hands out a fixed pre-shared token.
type StaticTokenProvider struct {
	token string
}

// NewStaticTokenProvider creates a provider returning the given token.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

// Token implements TokenProvider.
func (p *StaticTokenProvider) Token(string) (string, error) {
	return p.token, nil
}

// JWTTokenProvider mints short-lived HS256-signed tokens. The subject claim
// is the server id, so a worker can reject tokens minted for a different
// server entry.
type JWTTokenProvider struct {
	secret   []byte
	issuer   string
	lifetime time.Duration
}

// NewJWTTokenProvider creates a JWT provider. A zero lifetime defaults to
// one hour.
func NewJWTTokenProvider(secret []byte, issuer string, lifetime time.Duration) *JWTTokenProvider {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &JWTTokenProvider{secret: secret, issuer: issuer, lifetime: lifetime}
}

// Token implements TokenProvider.
func (p *JWTTokenProvider) Token(serverID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    p.issuer,
		Subject:   serverID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.lifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign worker token: %w", err)
	}
	return signed, nil
}

var (
	_ TokenProvider = (*StaticTokenProvider)(nil)
	_ TokenProvider = (*JWTTokenProvider)(nil)
)
