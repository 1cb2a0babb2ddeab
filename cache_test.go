package wden

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luryus/wden/persist"
)

func testSyncCache(t *testing.T, l *Lifecycle) *SyncCache {
	t.Helper()
	store, err := persist.NewFileSystemStore(t.TempDir(), "default")
	require.NoError(t, err)
	return NewSyncCache(store, l, zerolog.Nop())
}

func TestSyncCacheRoundTrip(t *testing.T) {
	l := unlockedLifecycle(t)
	cache := testSyncCache(t, l)
	userKeys := testUserKeys(t)
	defer userKeys.Destroy()

	data := &SyncResponse{Ciphers: []VaultItem{
		encryptTestItem(t, userKeys, "a", "Item A", "u", "p"),
	}}
	require.NoError(t, cache.Save(data))

	exists, err := cache.Exists()
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := cache.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Ciphers, 1)
	assert.Equal(t, "a", loaded.Ciphers[0].ID)
	assert.Equal(t, data.Ciphers[0].Name.String(), loaded.Ciphers[0].Name.String())
}

func TestSyncCacheMissing(t *testing.T) {
	l := unlockedLifecycle(t)
	cache := testSyncCache(t, l)

	loaded, err := cache.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSyncCacheRequiresUnlock(t *testing.T) {
	l := NewLifecycle("default", nil)
	require.NoError(t, l.StartSession(testSession(t), testKdf()))
	cache := testSyncCache(t, l)

	err := cache.Save(&SyncResponse{})
	assert.ErrorIs(t, err, ErrVaultLocked)
}

func TestSyncCacheWrongKey(t *testing.T) {
	l := unlockedLifecycle(t)
	store, err := persist.NewFileSystemStore(t.TempDir(), "default")
	require.NoError(t, err)
	cache := NewSyncCache(store, l, zerolog.Nop())
	require.NoError(t, cache.Save(&SyncResponse{}))

	// Seal under one account, open under another key.
	wrong, err := EncMacKeysFromBytes(make([]byte, 64))
	require.NoError(t, err)
	defer wrong.Destroy()

	versioned, err := store.LoadSyncData()
	require.NoError(t, err)
	envelope, err := ParseCipherString(string(versioned.Data))
	require.NoError(t, err)
	_, err = envelope.Decrypt(wrong)
	assert.ErrorIs(t, err, ErrMacMismatch)
}

func TestSyncCacheClear(t *testing.T) {
	l := unlockedLifecycle(t)
	cache := testSyncCache(t, l)
	require.NoError(t, cache.Save(&SyncResponse{}))

	require.NoError(t, cache.Clear())

	loaded, err := cache.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Clearing an empty cache is a no-op.
	require.NoError(t, cache.Clear())
}
