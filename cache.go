package wden

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/luryus/wden/internal/misc"
	"github.com/luryus/wden/persist"
)

// SyncCache persists the last sync payload sealed under the vault key, so
// a locked client can come back up offline and decrypt after an unlock.
// The store only ever sees the envelope.
type SyncCache struct {
	store     persist.Store
	lifecycle *Lifecycle
	log       zerolog.Logger

	// version tracks the last seen store version for optimistic
	// concurrency against other processes sharing the store.
	version string
}

// NewSyncCache binds a cache to a store and the lifecycle owning the vault
// key.
func NewSyncCache(store persist.Store, lifecycle *Lifecycle, log zerolog.Logger) *SyncCache {
	return &SyncCache{store: store, lifecycle: lifecycle, log: log}
}

// Save seals the sync payload under the vault key and writes it through
// the store. Requires the vault to be unlocked.
func (c *SyncCache) Save(data *SyncResponse) error {
	plain, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding sync payload: %w", err)
	}

	var envelope CipherString
	err = c.lifecycle.WithKeys(func(userKeys *EncMacKeys, _ []byte) error {
		envelope, err = Encrypt(plain, userKeys)
		return err
	})
	wipe(plain)
	if err != nil {
		return err
	}

	version, err := c.store.SaveSyncData([]byte(envelope.String()), c.version)
	if err != nil {
		return fmt.Errorf("writing sync cache: %w", err)
	}
	c.version = version
	return nil
}

// Load reads the cached payload and opens it under the vault key. A
// missing cache returns (nil, nil); a cache sealed under a different key
// fails MAC verification.
func (c *SyncCache) Load() (*SyncResponse, error) {
	versioned, err := c.store.LoadSyncData()
	if err != nil {
		if misc.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading sync cache: %w", err)
	}
	c.version = versioned.Version

	// A zero-length file is a cleared cache.
	if len(versioned.Data) == 0 {
		return nil, nil
	}

	envelope, err := ParseCipherString(string(versioned.Data))
	if err != nil {
		return nil, fmt.Errorf("parsing sync cache envelope: %w", err)
	}

	var data SyncResponse
	err = c.lifecycle.WithKeys(func(userKeys *EncMacKeys, _ []byte) error {
		plain, err := envelope.Decrypt(userKeys)
		if err != nil {
			return fmt.Errorf("opening sync cache: %w", err)
		}
		defer wipe(plain)
		return json.Unmarshal(plain, &data)
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// Exists reports whether a cached payload is on file.
func (c *SyncCache) Exists() (bool, error) {
	return c.store.SyncDataExists()
}

// Clear drops the cached payload; used on logout. The file is truncated
// rather than deleted, keeping the version chain intact for concurrent
// readers.
func (c *SyncCache) Clear() error {
	exists, err := c.store.SyncDataExists()
	if err != nil || !exists {
		return err
	}
	version, err := c.store.SaveSyncData([]byte{}, "")
	if err != nil {
		return err
	}
	c.version = version
	return nil
}
