package wden

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterKeyFromBytes(t *testing.T) {
	t.Run("WrongLength", func(t *testing.T) {
		_, err := MasterKeyFromBytes(make([]byte, 16))
		assert.ErrorIs(t, err, ErrInvalidKeyLength)
	})

	t.Run("TakesOwnership", func(t *testing.T) {
		raw := make([]byte, 32)
		for i := range raw {
			raw[i] = byte(i)
		}
		key, err := MasterKeyFromBytes(raw)
		require.NoError(t, err)
		defer key.Destroy()
		assert.Equal(t, byte(7), key.Bytes()[7])
	})

	t.Run("DestroyIsIdempotent", func(t *testing.T) {
		key, err := MasterKeyFromBytes(make([]byte, 32))
		require.NoError(t, err)
		key.Destroy()
		key.Destroy()
	})
}

func TestEncMacKeysHalves(t *testing.T) {
	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = byte(i)
	}
	keys, err := EncMacKeysFromBytes(raw)
	require.NoError(t, err)
	defer keys.Destroy()

	assert.Equal(t, raw[:32], keys.Enc())
	assert.Equal(t, raw[32:], keys.Mac())
	assert.Equal(t, raw, keys.Bytes())

	_, err = EncMacKeysFromBytes(make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestDecryptUserKey(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(testMasterKeyPbkdf2B64)
	require.NoError(t, err)
	masterKey, err := MasterKeyFromBytes(raw)
	require.NoError(t, err)
	defer masterKey.Destroy()

	stretched, err := StretchMasterKey(masterKey)
	require.NoError(t, err)
	defer stretched.Destroy()

	t.Run("UnwrapsUserKey", func(t *testing.T) {
		envelope, err := ParseCipherString(testUserKeyCipherString)
		require.NoError(t, err)

		userKeys, err := DecryptUserKey(envelope, stretched)
		require.NoError(t, err)
		defer userKeys.Destroy()

		// The unwrapped key decrypts vault content.
		c, err := ParseCipherString(testCipherString)
		require.NoError(t, err)
		plain, err := c.Decrypt(userKeys)
		require.NoError(t, err)
		assert.Equal(t, "Test", string(plain))
	})

	t.Run("EmptyEnvelope", func(t *testing.T) {
		_, err := DecryptUserKey(CipherString{}, stretched)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("WrongStretchedKeys", func(t *testing.T) {
		wrong, err := EncMacKeysFromBytes(make([]byte, 64))
		require.NoError(t, err)
		defer wrong.Destroy()

		envelope, err := ParseCipherString(testUserKeyCipherString)
		require.NoError(t, err)

		_, err = DecryptUserKey(envelope, wrong)
		assert.ErrorIs(t, err, ErrMacMismatch)
	})
}

func TestResolveItemKeys(t *testing.T) {
	userKeys := testUserKeys(t)
	defer userKeys.Destroy()

	t.Run("PersonalItemUsesUserKey", func(t *testing.T) {
		item := &VaultItem{ID: "a"}
		keys, owned, err := ResolveItemKeys(item, userKeys, func(string) *EncMacKeys { return nil })
		require.NoError(t, err)
		assert.False(t, owned)
		assert.Same(t, userKeys, keys)
	})

	t.Run("ItemWithOwnKey", func(t *testing.T) {
		// Wrap a fresh item key under the user key.
		rawItemKey := make([]byte, 64)
		for i := range rawItemKey {
			rawItemKey[i] = byte(0xA0 ^ i)
		}
		wrapped, err := Encrypt(rawItemKey, userKeys)
		require.NoError(t, err)

		item := &VaultItem{ID: "b", Key: &wrapped}
		keys, owned, err := ResolveItemKeys(item, userKeys, func(string) *EncMacKeys { return nil })
		require.NoError(t, err)
		defer keys.Destroy()

		assert.True(t, owned)
		assert.Equal(t, rawItemKey, keys.Bytes())
	})

	t.Run("OrgItemUsesOrgKey", func(t *testing.T) {
		rawOrgKey := make([]byte, 64)
		orgKeys, err := EncMacKeysFromBytes(rawOrgKey)
		require.NoError(t, err)
		defer orgKeys.Destroy()

		item := &VaultItem{ID: "c", OrganizationID: "org-1"}
		keys, owned, err := ResolveItemKeys(item, userKeys, func(orgID string) *EncMacKeys {
			if orgID == "org-1" {
				return orgKeys
			}
			return nil
		})
		require.NoError(t, err)
		assert.False(t, owned)
		assert.Same(t, orgKeys, keys)
	})

	t.Run("UnknownOrg", func(t *testing.T) {
		item := &VaultItem{ID: "d", OrganizationID: "org-2"}
		_, _, err := ResolveItemKeys(item, userKeys, func(string) *EncMacKeys { return nil })
		assert.Error(t, err)
	})

	t.Run("BadItemKeyEnvelope", func(t *testing.T) {
		wrapped, err := Encrypt(make([]byte, 64), userKeys)
		require.NoError(t, err)
		wrapped.CT[0] ^= 0x01

		item := &VaultItem{ID: "e", Key: &wrapped}
		_, _, err = ResolveItemKeys(item, userKeys, func(string) *EncMacKeys { return nil })
		assert.ErrorIs(t, err, ErrMacMismatch)
	})
}
