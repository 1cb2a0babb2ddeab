package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen       = 32
	kdfIterations = 600_000
)

// SealWithPassphrase encrypts data under a passphrase with
// PBKDF2-HMAC-SHA256 and ChaCha20-Poly1305. The output embeds the salt and
// nonce: salt || nonce || ciphertext.
func SealWithPassphrase(data, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key(passphrase, salt, kdfIterations, chacha20poly1305.KeySize, sha256.New)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// OpenWithPassphrase reverses SealWithPassphrase. A wrong passphrase or
// tampered payload fails authentication.
func OpenWithPassphrase(sealed, passphrase []byte) ([]byte, error) {
	if len(sealed) < saltLen+chacha20poly1305.NonceSize {
		return nil, errors.New("sealed data too short")
	}

	salt := sealed[:saltLen]
	nonce := sealed[saltLen : saltLen+chacha20poly1305.NonceSize]
	ciphertext := sealed[saltLen+chacha20poly1305.NonceSize:]

	key := pbkdf2.Key(passphrase, salt, kdfIterations, chacha20poly1305.KeySize, sha256.New)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// CalculateChecksum returns the hex-encoded SHA-256 hash of data.
func CalculateChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
