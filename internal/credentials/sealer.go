// internal/credentials/sealer.go
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// sealedPrefix marks attribute values that were encrypted at rest.
const sealedPrefix = "sealed:v1:"

var ErrWrongPassphrase = errors.New("attribute value cannot be opened with the configured passphrase")

// Sealer encrypts user attribute values (session cookies, bearer tokens)
// before they are written to the database. A Sealer without a passphrase
// stores values in the clear.
type Sealer struct {
	key []byte
}

func NewSealer(passphrase string) *Sealer {
	if passphrase == "" {
		return &Sealer{}
	}
	return &Sealer{key: DeriveKeyFromPassword(passphrase)}
}

func (s *Sealer) Enabled() bool {
	return s != nil && len(s.key) > 0
}

// Seal returns the stored form of value.
func (s *Sealer) Seal(value string) (string, error) {
	if !s.Enabled() || value == "" {
		return value, nil
	}

	ciphertext, err := encrypt([]byte(value), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to seal attribute value: %w", err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as-is so
// rows written before a passphrase was configured still load.
func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if !s.Enabled() {
		return "", ErrWrongPassphrase
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}

	plaintext, err := decrypt(ciphertext, s.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	return string(plaintext), nil
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// Nonce is prepended to the ciphertext
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// DeriveKeyFromPassword derives an AES-256 key from a passphrase.
func DeriveKeyFromPassword(password string) []byte {
	salt := []byte("authmatrix-attribute-salt-v1")
	return pbkdf2.Key([]byte(password), salt, 100000, 32, sha256.New)
}
