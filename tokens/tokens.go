// Package tokens issues and verifies the bearer tokens handed out at
// login.
//
// A token is a self-contained HS256 JWT carrying the subject and the
// scope subset granted at issuance. Verification is pure: no database
// is consulted, so a token keeps its issuance-time scopes until it
// expires. Revoking a scope only takes effect at the next login, a
// staleness window bounded by the TTL.
package tokens

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL applies when the caller does not override the lifetime.
const DefaultTTL = 30 * time.Minute

// SecretEnvVar is the default environment variable holding the signing
// secret.
const SecretEnvVar = "GATEKEEPER_TOKEN_SECRET"

// ErrInvalidToken covers every verification failure: bad signature,
// malformed payload or expired token. Callers get no finer detail.
var ErrInvalidToken = errors.New("invalid or expired token")

type (
	// Claims is the payload embedded in every issued token.
	Claims struct {
		Scopes []string `json:"scopes"`
		jwt.RegisteredClaims
	}

	// Service signs and verifies tokens with a single shared secret.
	// It holds no mutable state and is safe for concurrent use.
	Service struct {
		key []byte
		ttl time.Duration
	}
)

// NewService builds a token service around the given secret. A zero or
// negative ttl falls back to DefaultTTL.
func NewService(key []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{key: key, ttl: ttl}
}

// Issue mints a signed token for username carrying the given scopes.
// A zero ttl uses the service default.
func (s *Service) Issue(_ context.Context, username string, heldScopes []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	if heldScopes == nil {
		heldScopes = []string{}
	}
	now := time.Now()
	claims := Claims{
		Scopes: heldScopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("unable to sign token for %v, cause %w", username, err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the embedded claims.
// Any failure comes back as ErrInvalidToken.
func (s *Service) Verify(_ context.Context, token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// KeyFromEnv loads the signing secret from the named environment
// variable and scrubs the variable afterwards, so the secret never
// shows up in child processes.
func KeyFromEnv(varname string) ([]byte, error) {
	val := os.Getenv(varname)
	os.Setenv(varname, "")
	if len(val) == 0 {
		return nil, fmt.Errorf("tokens: environment variable %v holds no secret", varname)
	}
	return []byte(val), nil
}

// RandomKey returns an ephemeral secret. Tokens signed with it die
// with the process, which is fine for development and tests.
func RandomKey() ([]byte, error) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	if err != nil {
		return nil, fmt.Errorf("tokens: unable to generate random secret, cause %w", err)
	}
	return key, nil
}
