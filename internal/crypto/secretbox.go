package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the secretbox key length in bytes.
const KeySize = 32

const nonceSize = 24

// ErrInvalidCiphertext is returned when a ciphertext fails authentication
// or is structurally malformed.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Encryptor encrypts and decrypts opaque string values. Storage adapters
// that persist tokens outside process memory (files, cookies) use it so
// token material is never written in the clear.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SecretboxEncryptor is an Encryptor backed by NaCl secretbox
// (XSalsa20-Poly1305) with a random nonce prepended to each ciphertext.
type SecretboxEncryptor struct {
	key [KeySize]byte
}

// NewSecretboxEncryptor creates an encryptor from a 32-byte key.
func NewSecretboxEncryptor(key []byte) (*SecretboxEncryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	e := &SecretboxEncryptor{}
	copy(e.key[:], key)
	return e, nil
}

// Encrypt seals plaintext and returns base64(nonce || box).
func (e *SecretboxEncryptor) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &e.key)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input returns
// ErrInvalidCiphertext.
func (e *SecretboxEncryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &e.key)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	return string(opened), nil
}
