package escrow

import (
	"context"
	"sync"

	"github.com/awnumar/memguard"
)

// Memory is an in-process escrow backend with an optional gate hook in
// place of the platform prompt. It exists for tests and keeps the same
// single-use contract as the platform backends.
type Memory struct {
	// Gate runs where a platform backend would prompt. A nil Gate
	// passes.
	Gate func(ctx context.Context) error

	mu     sync.Mutex
	nextID uint64
	blobs  map[uint64]*memoryEntry
}

type memoryEntry struct {
	profileID  string
	blob       *sealedBlob
	sealingKey *memguard.Enclave
}

// NewMemory builds an empty in-memory escrow.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[uint64]*memoryEntry)}
}

func (m *Memory) Available() bool {
	return true
}

func (m *Memory) Store(profileID string, key []byte) (*Handle, error) {
	sealingKey, err := newSealingKey()
	if err != nil {
		return nil, err
	}
	blob, err := seal(sealingKey, key)
	if err != nil {
		memguard.WipeBytes(sealingKey)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.blobs[m.nextID] = &memoryEntry{
		profileID:  profileID,
		blob:       blob,
		sealingKey: memguard.NewEnclave(sealingKey),
	}
	return &Handle{ProfileID: profileID, id: m.nextID}, nil
}

func (m *Memory) Retrieve(ctx context.Context, h *Handle) ([]byte, error) {
	if m.Gate != nil {
		if err := m.Gate(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	entry, ok := m.blobs[h.id]
	if ok {
		delete(m.blobs, h.id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrKeyNotFound
	}

	sealingKey, err := entry.sealingKey.Open()
	if err != nil {
		return nil, err
	}
	defer sealingKey.Destroy()
	return entry.blob.open(sealingKey.Bytes())
}

func (m *Memory) Delete(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, h.id)
	return nil
}
