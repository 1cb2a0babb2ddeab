// Package escrow provides OS-gated, single-use storage for the vault key
// while the vault is locked, enabling biometric unlock. Exactly one
// platform backend is selected at startup; the in-memory backend exists
// for tests and is never selected when a platform backend is available.
package escrow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrUnavailable means the platform precondition was not met at
	// startup (no PAM service file, no Hello credential).
	ErrUnavailable = errors.New("escrow backend unavailable")
	// ErrBiometricDenied means the user cancelled or failed the platform
	// prompt.
	ErrBiometricDenied = errors.New("biometric verification denied")
	// ErrKeyNotFound means the handle was already consumed or never
	// stored.
	ErrKeyNotFound = errors.New("escrowed key not found")
)

// Handle references one escrowed key blob. Handles are single-use: a
// successful Retrieve consumes the handle.
type Handle struct {
	ProfileID string
	id        uint64
}

// Escrow stores and retrieves an opaque secret gated by an OS credential.
// Store does not prompt; Retrieve does.
type Escrow interface {
	// Available reports whether the backend can be used. Checked once at
	// startup.
	Available() bool
	// Store escrows a copy of key for the profile. The input slice is
	// not retained.
	Store(profileID string, key []byte) (*Handle, error)
	// Retrieve runs the platform gate and returns the escrowed key,
	// consuming the handle. The caller owns the returned bytes and must
	// wipe them.
	Retrieve(ctx context.Context, h *Handle) ([]byte, error)
	// Delete drops an unconsumed blob, e.g. on logout. Deleting a
	// consumed or unknown handle is not an error.
	Delete(h *Handle) error
}

// New selects the platform backend.
func New(log zerolog.Logger) Escrow {
	return newPlatform(log)
}

// sealedBlob is an escrowed key encrypted with a fresh ChaCha20-Poly1305
// sealing key that lives only in OS-protected storage. The blob alone is
// useless without it.
type sealedBlob struct {
	nonce []byte
	ct    []byte
}

func seal(sealingKey, plaintext []byte) (*sealedBlob, error) {
	aead, err := chacha20poly1305.New(sealingKey)
	if err != nil {
		return nil, fmt.Errorf("initializing aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return &sealedBlob{nonce: nonce, ct: aead.Seal(nil, nonce, plaintext, nil)}, nil
}

func (b *sealedBlob) open(sealingKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(sealingKey)
	if err != nil {
		return nil, fmt.Errorf("initializing aead: %w", err)
	}
	plain, err := aead.Open(nil, b.nonce, b.ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: blob does not open", ErrKeyNotFound)
	}
	return plain, nil
}

func newSealingKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating sealing key: %w", err)
	}
	return key, nil
}
