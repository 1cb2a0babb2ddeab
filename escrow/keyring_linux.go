//go:build cgo

package escrow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/msteinert/pam/v2"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sys/unix"
)

// pamService is the dedicated PAM service gating retrieval. Availability
// requires its service file to exist; administrators point it at the
// authentication module they want (fprintd, pam_u2f, ...).
const pamService = "wden"

const pamServiceFile = "/etc/pam.d/" + pamService

// keyringEscrow keeps the sealed blob in process memory and the sealing
// key in the process kernel keyring, so neither alone recovers the vault
// key and neither survives the process. Retrieve authenticates against
// the PAM service, reads and revokes the keyring key, then opens the
// blob.
type keyringEscrow struct {
	log zerolog.Logger

	// Conversation answers PAM prompts. The default replies empty,
	// which suits prompt-less modules like fprintd.
	Conversation func(style pam.Style, msg string) (string, error)

	mu     sync.Mutex
	nextID uint64
	blobs  map[uint64]*keyringEntry
}

type keyringEntry struct {
	profileID string
	blob      *sealedBlob
	serial    int
}

func newPlatform(log zerolog.Logger) Escrow {
	return &keyringEscrow{
		log:   log,
		blobs: make(map[uint64]*keyringEntry),
	}
}

func (e *keyringEscrow) Available() bool {
	_, err := os.Stat(pamServiceFile)
	return err == nil
}

func (e *keyringEscrow) Store(profileID string, key []byte) (*Handle, error) {
	if !e.Available() {
		return nil, ErrUnavailable
	}

	sealingKey, err := newSealingKey()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(sealingKey)

	blob, err := seal(sealingKey, key)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	desc := fmt.Sprintf("wden:%s:%d", profileID, id)
	serial, err := unix.AddKey("user", desc, sealingKey, unix.KEY_SPEC_PROCESS_KEYRING)
	if err != nil {
		return nil, fmt.Errorf("adding key to kernel keyring: %w", err)
	}

	e.mu.Lock()
	e.blobs[id] = &keyringEntry{profileID: profileID, blob: blob, serial: serial}
	e.mu.Unlock()

	e.log.Debug().Str("profile", profileID).Msg("vault key escrowed to kernel keyring")
	return &Handle{ProfileID: profileID, id: id}, nil
}

func (e *keyringEscrow) Retrieve(ctx context.Context, h *Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	entry, ok := e.blobs[h.id]
	e.mu.Unlock()
	if !ok {
		return nil, ErrKeyNotFound
	}

	if err := e.authenticate(); err != nil {
		return nil, err
	}

	// Consume the handle only after the gate passed, so a cancelled
	// prompt leaves the escrow intact for another attempt.
	e.mu.Lock()
	entry, ok = e.blobs[h.id]
	if ok {
		delete(e.blobs, h.id)
	}
	e.mu.Unlock()
	if !ok {
		return nil, ErrKeyNotFound
	}

	sealingKey := make([]byte, chacha20poly1305.KeySize)
	defer memguard.WipeBytes(sealingKey)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, entry.serial, sealingKey, 0)
	revokeKey(entry.serial)
	if err != nil {
		return nil, fmt.Errorf("%w: reading keyring key: %v", ErrKeyNotFound, err)
	}
	if n != len(sealingKey) {
		return nil, fmt.Errorf("%w: keyring key has wrong length", ErrKeyNotFound)
	}

	return entry.blob.open(sealingKey)
}

func (e *keyringEscrow) Delete(h *Handle) error {
	e.mu.Lock()
	entry, ok := e.blobs[h.id]
	if ok {
		delete(e.blobs, h.id)
	}
	e.mu.Unlock()
	if ok {
		revokeKey(entry.serial)
	}
	return nil
}

func (e *keyringEscrow) authenticate() error {
	u, err := user.Current()
	if err != nil {
		return fmt.Errorf("resolving current user: %w", err)
	}

	conv := e.Conversation
	if conv == nil {
		conv = func(style pam.Style, msg string) (string, error) {
			return "", nil
		}
	}

	tx, err := pam.StartFunc(pamService, u.Username, conv)
	if err != nil {
		return fmt.Errorf("%w: starting pam transaction: %v", ErrUnavailable, err)
	}
	defer tx.End()

	if err := tx.Authenticate(0); err != nil {
		var pamErr pam.Error
		if errors.As(err, &pamErr) {
			return fmt.Errorf("%w: %v", ErrBiometricDenied, pamErr)
		}
		return fmt.Errorf("%w: %v", ErrBiometricDenied, err)
	}
	return nil
}

func revokeKey(serial int) {
	// Best effort: a revoked key is unreadable even if unlink fails.
	unix.KeyctlInt(unix.KEYCTL_REVOKE, serial, 0, 0, 0)
}
