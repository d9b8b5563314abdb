package licensing

import (
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var (
	testKeysOnce sync.Once
	testKeyA     *rsa.PrivateKey
	testKeyB     *rsa.PrivateKey
	testKeysErr  error
)

// testKeys returns two distinct key pairs shared across the package tests.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	testKeysOnce.Do(func() {
		testKeyA, testKeysErr = GenerateKeyPair()
		if testKeysErr != nil {
			return
		}
		testKeyB, testKeysErr = GenerateKeyPair()
	})
	require.NoError(t, testKeysErr)
	return testKeyA, testKeyB
}

var testNow = time.Unix(1_700_000_000, 0).UTC()

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestValidator(pub *rsa.PublicKey) *Validator {
	v := NewValidator(NewStaticKeyStore(pub), ValidatorConfig{ClockTolerance: DefaultClockTolerance})
	v.SetClock(fixedClock(testNow))
	return v
}

func newTestGenerator() *Generator {
	g := NewGenerator("", "")
	g.SetClock(fixedClock(testNow))
	return g
}

// validClaims returns a complete claim set accepted by the default validator.
func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":        DefaultIssuer,
		"aud":        []string{DefaultAudience},
		"tier":       "team",
		"features":   []string{"sso_saml"},
		"customerId": "cus_123",
		"issuedAt":   testNow.Add(-time.Hour).Unix(),
		"expiresAt":  testNow.Add(24 * time.Hour).Unix(),
	}
}

func signMap(t *testing.T, claims jwt.MapClaims, key *rsa.PrivateKey) string {
	t.Helper()
	token, err := signClaims(claims, key)
	require.NoError(t, err)
	return token
}
