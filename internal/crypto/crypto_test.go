package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "api key", plaintext: "sk-abc123def456"},
		{name: "unicode", plaintext: "clé-secrète-日本語"},
		{name: "long value", plaintext: strings.Repeat("x", 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := EncryptString(tt.plaintext, "master-key")
			if err != nil {
				t.Fatalf("EncryptString() error: %v", err)
			}
			if !IsEncrypted(sealed) {
				t.Errorf("Encrypted value %q missing encrypted: prefix", sealed)
			}

			plain, err := DecryptString(sealed, "master-key")
			if err != nil {
				t.Fatalf("DecryptString() error: %v", err)
			}
			if plain != tt.plaintext {
				t.Errorf("DecryptString() = %q, want %q", plain, tt.plaintext)
			}
		})
	}
}

func TestEncryptEmptyString(t *testing.T) {
	sealed, err := EncryptString("", "master-key")
	if err != nil {
		t.Fatalf("EncryptString() error: %v", err)
	}
	if sealed != "" {
		t.Errorf("EncryptString(\"\") = %q, want empty", sealed)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	sealed, err := EncryptString("secret", "key-one")
	if err != nil {
		t.Fatalf("EncryptString() error: %v", err)
	}

	_, err = DecryptString(sealed, "key-two")
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("DecryptString() with wrong key = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptMalformed(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "not base64", value: "encrypted:%%%not-base64%%%"},
		{name: "too short", value: "encrypted:QUJD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecryptString(tt.value, "master-key"); err == nil {
				t.Error("DecryptString() on malformed input expected error, got nil")
			}
		})
	}
}

func TestNonDeterministicNonce(t *testing.T) {
	a, err := EncryptString("same input", "master-key")
	if err != nil {
		t.Fatalf("EncryptString() error: %v", err)
	}
	b, err := EncryptString("same input", "master-key")
	if err != nil {
		t.Fatalf("EncryptString() error: %v", err)
	}
	if a == b {
		t.Error("Two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestIsEncrypted(t *testing.T) {
	if IsEncrypted("plain-api-key") {
		t.Error("IsEncrypted() = true for plain value")
	}
	if !IsEncrypted("encrypted:abcd") {
		t.Error("IsEncrypted() = false for encrypted value")
	}
}
