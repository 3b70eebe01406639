// Package crypto provides at-rest protection for config secrets.
// Values stored as "encrypted:<base64>" are AES-GCM sealed with a key
// derived from the operator-held master key.
package crypto

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
)

const encryptedPrefix = "encrypted:"

var (
	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned when authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed: authentication failed")
)

// IsEncrypted reports whether a config value carries the encrypted: prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encryptedPrefix)
}

// newGCM derives a 32-byte key from the master key and builds an AEAD.
func newGCM(masterKey string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// EncryptString seals a plaintext value for storage in a config file.
// The nonce is prepended to the sealed data before encoding.
func EncryptString(plaintext, masterKey string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens an encrypted: config value.
func DecryptString(value, masterKey string) (string, error) {
	encoded := strings.TrimPrefix(value, encryptedPrefix)
	if encoded == "" {
		return "", nil
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize+gcm.Overhead()+1 {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
