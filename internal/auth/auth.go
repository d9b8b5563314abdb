// Package auth guards operator endpoints with a static admin token whose
// bcrypt hash is kept in configuration.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// TokenPrefix marks admin tokens so they are recognisable in logs and
// secret scanners.
const TokenPrefix = "sgk_"

var (
	ErrMissingToken = errors.New("admin token required")
	ErrInvalidToken = errors.New("invalid admin token")
)

// Auth verifies admin tokens against a bcrypt hash.
type Auth struct {
	hash []byte
}

// New creates an Auth. An empty hash disables the check.
func New(hash string) *Auth {
	return &Auth{hash: []byte(strings.TrimSpace(hash))}
}

// Enabled reports whether a hash is configured.
func (a *Auth) Enabled() bool {
	return len(a.hash) > 0
}

// GenerateToken returns a new random admin token.
func GenerateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}

// HashToken hashes a token using bcrypt
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify checks token against the configured hash.
func (a *Auth) Verify(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// TokenFromRequest extracts the bearer token from the Authorization header.
func TokenFromRequest(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
