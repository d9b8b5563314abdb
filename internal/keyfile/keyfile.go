// Package keyfile reads and writes signing keys on disk, optionally sealed
// under a passphrase.
package keyfile

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/scrypt"

	"github.com/skillgate/skillgate/internal/licensing"
)

// EncryptedBlockType is the PEM type of a passphrase-sealed private key.
const EncryptedBlockType = "SKILLGATE ENCRYPTED PRIVATE KEY"

const (
	saltSize = 16
	scryptN  = 1 << 15
	scryptR  = 8
	scryptP  = 1
	keySize  = 32
)

var (
	ErrPassphraseRequired = errors.New("private key is encrypted; passphrase required")
	ErrWrongPassphrase    = errors.New("unable to decrypt private key: wrong passphrase or corrupted file")
)

// Seal encrypts key under passphrase with AES-GCM, using an scrypt-derived
// key. The block carries salt || nonce || ciphertext.
func Seal(key *rsa.PrivateKey, passphrase []byte) ([]byte, error) {
	plain, err := licensing.EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := append(salt, nonce...)
	out = gcm.Seal(out, nonce, plain, nil)
	return pem.EncodeToMemory(&pem.Block{
		Type:    EncryptedBlockType,
		Headers: map[string]string{"KDF": "scrypt", "Cipher": "AES-256-GCM"},
		Bytes:   out,
	}), nil
}

// Open parses a private key file. Plain PEM keys ignore passphrase.
func Open(data []byte, passphrase []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != EncryptedBlockType {
		return licensing.ParsePrivateKey(string(data))
	}
	if len(passphrase) == 0 {
		return nil, ErrPassphraseRequired
	}

	if len(block.Bytes) < saltSize {
		return nil, errors.New("encrypted key too short")
	}
	salt, rest := block.Bytes[:saltSize], block.Bytes[saltSize:]
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("encrypted key too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return licensing.ParsePrivateKey(string(plain))
}

// IsEncrypted reports whether data holds a sealed key.
func IsEncrypted(data []byte) bool {
	block, _ := pem.Decode(data)
	return block != nil && block.Type == EncryptedBlockType
}

func newGCM(passphrase, salt []byte) (cipher.AEAD, error) {
	derived, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// WritePrivate writes key to path with 0600 permissions, sealed when
// passphrase is non-empty. Existing files are not overwritten.
func WritePrivate(path string, key *rsa.PrivateKey, passphrase []byte) error {
	var (
		data []byte
		err  error
	)
	if len(passphrase) > 0 {
		data, err = Seal(key, passphrase)
	} else {
		data, err = licensing.EncodePrivateKeyPEM(key)
	}
	if err != nil {
		return err
	}
	return writeNew(path, data, 0o600)
}

// WritePublic writes the PEM public key to path and, when jwkPath is set,
// its JWK form as well.
func WritePublic(path, jwkPath string, key *rsa.PublicKey) error {
	data, err := licensing.EncodePublicKeyPEM(key)
	if err != nil {
		return err
	}
	if err := writeNew(path, data, 0o644); err != nil {
		return err
	}
	if jwkPath == "" {
		return nil
	}
	jwk, err := licensing.EncodePublicKeyJWK(key)
	if err != nil {
		return err
	}
	return writeNew(jwkPath, jwk, 0o644)
}

// ReadPrivate loads a private key from path. passphrase is called only when
// the file is sealed.
func ReadPrivate(path string, passphrase func() ([]byte, error)) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pass []byte
	if IsEncrypted(data) {
		if passphrase == nil {
			return nil, ErrPassphraseRequired
		}
		if pass, err = passphrase(); err != nil {
			return nil, err
		}
	}
	return Open(data, pass)
}

func writeNew(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("refusing to overwrite %s", path)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
