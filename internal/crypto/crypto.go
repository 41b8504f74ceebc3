// internal/crypto/crypto.go

// Package crypto is the symmetric token helper used for secrets at rest.
// Tokens are base64(salt || nonce || tag || ciphertext) with a per-token
// random salt; the AES-256 key is derived from the configured secret with
// PBKDF2-SHA512.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength  = 64
	nonceLength = 16
	tagLength   = 16
	keyLength   = 32
	iterations  = 100_000
)

// ErrKeyRequired means no encryption secret is configured. This is a
// fail-fast configuration error, never retried.
var ErrKeyRequired = errors.New("crypto: encryption key is not configured")

// ErrDecrypt covers malformed or tampered tokens. The authentication tag
// check guarantees corrupted plaintext is never returned.
var ErrDecrypt = errors.New("crypto: cannot decrypt token")

// Cipher encrypts and decrypts short text values with a shared secret.
type Cipher struct {
	secret []byte
}

func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrKeyRequired
	}
	return &Cipher{secret: []byte(secret)}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	token := make([]byte, 0, saltLength+nonceLength+tagLength+len(ciphertext))
	token = append(token, salt...)
	token = append(token, nonce...)
	token = append(token, tag...)
	token = append(token, ciphertext...)
	return base64.StdEncoding.EncodeToString(token), nil
}

func (c *Cipher) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < saltLength+nonceLength+tagLength {
		return "", fmt.Errorf("%w: token too short", ErrDecrypt)
	}

	salt := raw[:saltLength]
	nonce := raw[saltLength : saltLength+nonceLength]
	tag := raw[saltLength+nonceLength : saltLength+nonceLength+tagLength]
	ciphertext := raw[saltLength+nonceLength+tagLength:]

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	sealed := make([]byte, 0, len(ciphertext)+tagLength)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}
	return string(plaintext), nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, iterations, keyLength, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLength)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm init: %w", err)
	}
	return gcm, nil
}
