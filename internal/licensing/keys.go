package licensing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// KeyBits is the RSA modulus size used for generated key pairs.
const KeyBits = 2048

// SigningAlgorithm is the only algorithm issued and accepted.
const SigningAlgorithm = "RS256"

// GenerateKeyPair creates a new RSA key pair for license signing.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return key, nil
}

// ParsePublicKey accepts a PEM block (PKIX, PKCS#1 or certificate) or a JSON
// Web Key. Private key material is reduced to its public half.
func ParsePublicKey(material string) (*rsa.PublicKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, ErrNoVerificationKey
	}
	if strings.HasPrefix(material, "{") {
		return parseJWKPublicKey([]byte(material))
	}
	if !strings.HasPrefix(material, "-----BEGIN") {
		// Environment variables often carry the PEM base64-wrapped to avoid newlines.
		if decoded, err := base64.StdEncoding.DecodeString(material); err == nil {
			return ParsePublicKey(string(decoded))
		}
	}

	block, _ := pem.Decode([]byte(material))
	if block == nil {
		return nil, errors.New("invalid pem public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		pkAny, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkix key: %w", err)
		}
		rsaKey, ok := pkAny.(*rsa.PublicKey)
		if !ok {
			return nil, ErrUnsupportedKey
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 key: %w", err)
		}
		return rsaKey, nil
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		rsaKey, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, ErrUnsupportedKey
		}
		return rsaKey, nil
	case "RSA PRIVATE KEY", "PRIVATE KEY":
		priv, err := ParsePrivateKey(material)
		if err != nil {
			return nil, err
		}
		return &priv.PublicKey, nil
	default:
		return nil, fmt.Errorf("%w: pem block %q", ErrUnsupportedKey, block.Type)
	}
}

func parseJWKPublicKey(data []byte) (*rsa.PublicKey, error) {
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("parse json web key: %w", err)
	}
	switch key := jwk.Key.(type) {
	case *rsa.PublicKey:
		return key, nil
	case *rsa.PrivateKey:
		return &key.PublicKey, nil
	default:
		return nil, ErrUnsupportedKey
	}
}

// ParsePrivateKey decodes a PKCS#1 or PKCS#8 PEM RSA private key.
func ParsePrivateKey(material string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(material)))
	if block == nil {
		return nil, errors.New("invalid pem private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 private key: %w", err)
		}
		key, ok := keyAny.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrUnsupportedKey
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: pem block %q", ErrUnsupportedKey, block.Type)
	}
}

// EncodePrivateKeyPEM encodes key as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM encodes key as a PKIX PEM block.
func EncodePublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// KeyID derives a stable key identifier from the RFC 7638 thumbprint.
func KeyID(key *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: key}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb)[:16], nil
}

// EncodePublicKeyJWK encodes key as a JSON Web Key suitable for the
// verification key source.
func EncodePublicKeyJWK(key *rsa.PublicKey) ([]byte, error) {
	kid, err := KeyID(key)
	if err != nil {
		return nil, err
	}
	jwk := jose.JSONWebKey{
		Key:       key,
		KeyID:     kid,
		Algorithm: SigningAlgorithm,
		Use:       "sig",
	}
	return json.MarshalIndent(jwk, "", "  ")
}
