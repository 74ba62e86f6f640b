// Package contentcrypto envelope-encrypts memory content at rest (§10.3)
// with AES-256-GCM under a single configured key, rather than a wrapped
// per-project DEK: MemoryX has no per-project key hierarchy to manage.
package contentcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"errors"
)

// Cipher seals and opens memory content. A nil *Cipher is valid and means
// encryption is disabled: Enabled reports false, and Seal and Open return an
// error instead of passing content through.
type Cipher struct {
	gcm cipher.AEAD
}

// New derives a 32-byte AES key from key via SHA-256. An empty key disables
// encryption: New("") returns (nil, nil).
func New(key string) (*Cipher, error) {
	if key == "" {
		return nil, nil
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{gcm: gcm}, nil
}

// Enabled reports whether a key was configured.
func (c *Cipher) Enabled() bool { return c != nil }

// Seal encrypts plaintext into a nonce||ciphertext blob.
func (c *Cipher) Seal(plaintext string) ([]byte, error) {
	if c == nil {
		return nil, errors.New("contentcrypto: no cipher configured")
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		return nil, err
	}
	return c.gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal.
func (c *Cipher) Open(blob []byte) (string, error) {
	if c == nil {
		return "", errors.New("contentcrypto: no cipher configured")
	}
	n := c.gcm.NonceSize()
	if len(blob) < n {
		return "", errors.New("contentcrypto: ciphertext too short")
	}
	pt, err := c.gcm.Open(nil, blob[:n], blob[n:], nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
