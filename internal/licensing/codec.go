package licensing

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Payload carries the license fields to be signed into a token.
type Payload struct {
	Tier       Tier
	Features   []Feature
	CustomerID string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	QuotaHint  *int64
}

// tokenClaims is the signed claim set. License fields use the names consumers
// of the token already expect; the registered claims mirror them.
type tokenClaims struct {
	Tier       string   `json:"tier"`
	Features   []string `json:"features"`
	CustomerID string   `json:"customerId"`
	IssuedAt   int64    `json:"issuedAt"`
	ExpiresAt  int64    `json:"expiresAt"`
	Quota      *int64   `json:"quota,omitempty"`
	jwt.RegisteredClaims
}

var signingMethod = jwt.SigningMethodRS256

// signClaims signs claims with key and stamps the key id header.
func signClaims(claims jwt.Claims, key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", ErrNoSigningKey
	}
	token := jwt.NewWithClaims(signingMethod, claims)
	if kid, err := KeyID(&key.PublicKey); err == nil {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		// The signer's error never carries key material.
		return "", fmt.Errorf("sign license token: %w", err)
	}
	return signed, nil
}

func newParser() *jwt.Parser {
	// Time-based claims are checked by the validator with its own tolerance.
	return jwt.NewParser(
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
}

// decodeUnverified performs the structural decode of a token.
func decodeUnverified(raw string) (*jwt.Token, jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, _, err := newParser().ParseUnverified(raw, claims)
	if err != nil {
		return nil, nil, err
	}
	return token, claims, nil
}

// verifySignature checks raw against key and returns its claims.
func verifySignature(raw string, key *rsa.PublicKey) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := newParser().ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// numericClaim reads a seconds-since-epoch claim.
func numericClaim(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	default:
		return 0, false
	}
}
