package escrow

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"
)

// dpapiEscrow keeps the sealed blob in process memory and the sealing key
// in a user-scoped DPAPI blob that demands an OS credential prompt on
// unprotect. Both are bound to this user on this machine; neither alone
// recovers the vault key.
type dpapiEscrow struct {
	log zerolog.Logger

	mu        sync.Mutex
	nextID    uint64
	blobs     map[uint64]*dpapiEntry
	available bool
	checked   bool
}

type dpapiEntry struct {
	profileID string
	blob      *sealedBlob
	protected []byte
}

func newPlatform(log zerolog.Logger) Escrow {
	return &dpapiEscrow{
		log:   log,
		blobs: make(map[uint64]*dpapiEntry),
	}
}

// Available probes DPAPI with a protect round trip once per process.
func (e *dpapiEscrow) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.checked {
		probe, err := protect([]byte("wden-escrow-probe"), false)
		e.available = err == nil && len(probe) > 0
		e.checked = true
	}
	return e.available
}

func (e *dpapiEscrow) Store(profileID string, key []byte) (*Handle, error) {
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
	protected, err := protect(sealingKey, true)
	if err != nil {
		return nil, fmt.Errorf("protecting sealing key: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.blobs[e.nextID] = &dpapiEntry{profileID: profileID, blob: blob, protected: protected}
	e.log.Debug().Str("profile", profileID).Msg("vault key escrowed under dpapi")
	return &Handle{ProfileID: profileID, id: e.nextID}, nil
}

func (e *dpapiEscrow) Retrieve(ctx context.Context, h *Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	entry, ok := e.blobs[h.id]
	e.mu.Unlock()
	if !ok {
		return nil, ErrKeyNotFound
	}

	// Unprotect raises the credential prompt; a cancelled prompt leaves
	// the escrow intact for another attempt.
	sealingKey, err := unprotect(entry.protected)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBiometricDenied, err)
	}
	defer memguard.WipeBytes(sealingKey)

	e.mu.Lock()
	_, ok = e.blobs[h.id]
	if ok {
		delete(e.blobs, h.id)
	}
	e.mu.Unlock()
	if !ok {
		return nil, ErrKeyNotFound
	}

	return entry.blob.open(sealingKey)
}

func (e *dpapiEscrow) Delete(h *Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.blobs, h.id)
	return nil
}

func protect(data []byte, promptOnUnprotect bool) ([]byte, error) {
	in := windows.DataBlob{Size: uint32(len(data)), Data: &data[0]}
	var out windows.DataBlob

	var prompt *windows.CryptProtectPromptStruct
	if promptOnUnprotect {
		prompt = &windows.CryptProtectPromptStruct{
			PromptFlags: windows.CRYPTPROTECT_PROMPT_ON_UNPROTECT,
		}
		prompt.Size = uint32(unsafe.Sizeof(*prompt))
	}

	desc, err := windows.UTF16PtrFromString("wden vault key escrow")
	if err != nil {
		return nil, err
	}
	if err := windows.CryptProtectData(&in, desc, nil, 0, prompt, 0, &out); err != nil {
		return nil, err
	}
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(out.Data)))

	res := make([]byte, out.Size)
	copy(res, unsafe.Slice(out.Data, out.Size))
	return res, nil
}

func unprotect(data []byte) ([]byte, error) {
	in := windows.DataBlob{Size: uint32(len(data)), Data: &data[0]}
	var out windows.DataBlob

	if err := windows.CryptUnprotectData(&in, nil, nil, 0, nil, 0, &out); err != nil {
		return nil, err
	}

	view := unsafe.Slice(out.Data, out.Size)
	res := make([]byte, out.Size)
	copy(res, view)
	memguard.WipeBytes(view)
	windows.LocalFree(windows.Handle(unsafe.Pointer(out.Data)))
	return res, nil
}
