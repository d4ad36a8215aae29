// Package crypto protects directory manager credentials at rest. Secrets are
// sealed with AES-256-GCM under a master key held in system configuration;
// the tree slug is bound in as associated data so a sealed password cannot be
// moved to another tree.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// MasterKeySize is the length of an AES-256 key
const MasterKeySize = 32

// SecretBox seals and opens secrets with a single master key
type SecretBox struct {
	gcm cipher.AEAD
}

// NewSecretBox creates a SecretBox for masterKey, which must be 32 bytes
func NewSecretBox(masterKey []byte) (*SecretBox, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &SecretBox{gcm: gcm}, nil
}

// Seal encrypts plaintext; the random nonce is prepended to the result
func (b *SecretBox) Seal(plaintext []byte, associatedData string) ([]byte, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return b.gcm.Seal(nonce, nonce, plaintext, []byte(associatedData)), nil
}

// Open decrypts and authenticates a value produced by Seal
func (b *SecretBox) Open(sealed []byte, associatedData string) ([]byte, error) {
	nonceSize := b.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := b.gcm.Open(nil, nonce, ciphertext, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// GenerateMasterKey generates a new 256-bit master key
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// EncodeMasterKey renders a key for storage as a configuration value
func EncodeMasterKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeMasterKey parses a key produced by EncodeMasterKey
func DecodeMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}
