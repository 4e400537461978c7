// Package crypto provides field-level encryption for sensitive columns
// (invoice numbers, contract numbers, MFA secrets). Values are AES-256-GCM
// sealed and carry a version prefix so plaintext rows from older imports can
// be detected and re-encrypted on the next write.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const prefix = "enc:v1:"

// FieldCipher seals and opens field values with a process-wide key.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher derives a 32-byte AES key from the configured secret.
// The secret may be any length; it is hashed to the key size.
func NewFieldCipher(secret string) (*FieldCipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("field encryption key is empty")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// Encrypt seals a plaintext value. Empty input stays empty.
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed value. A value without the version prefix is
// treated as legacy plaintext and returned as-is with migrate=true so the
// caller re-encrypts on the next write.
func (c *FieldCipher) Decrypt(value string) (plaintext string, migrate bool, err error) {
	if value == "" {
		return "", false, nil
	}
	if !strings.HasPrefix(value, prefix) {
		return value, true, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", false, fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", false, fmt.Errorf("ciphertext too short")
	}
	out, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", false, fmt.Errorf("open ciphertext: %w", err)
	}
	return string(out), false, nil
}

// IsEncrypted reports whether a stored value carries the version prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, prefix)
}
