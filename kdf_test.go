package wden

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveMasterKey(t *testing.T) {
	t.Run("Pbkdf2", func(t *testing.T) {
		cfg := KdfConfig{Function: KdfPbkdf2, Iterations: testPbkdf2Iterations}
		key, err := DeriveMasterKey([]byte(testPassword), testEmail, cfg)
		require.NoError(t, err)
		defer key.Destroy()

		assert.Equal(t, testMasterKeyPbkdf2B64, base64.StdEncoding.EncodeToString(key.Bytes()))
	})

	t.Run("Pbkdf2LowercasesEmail", func(t *testing.T) {
		cfg := KdfConfig{Function: KdfPbkdf2, Iterations: testPbkdf2Iterations}
		key, err := DeriveMasterKey([]byte(testPassword), "FooBar@Example.COM", cfg)
		require.NoError(t, err)
		defer key.Destroy()

		assert.Equal(t, testMasterKeyPbkdf2B64, base64.StdEncoding.EncodeToString(key.Bytes()))
	})

	t.Run("Argon2id", func(t *testing.T) {
		cfg := KdfConfig{
			Function:    KdfArgon2id,
			Iterations:  testArgon2Iterations,
			MemoryMiB:   testArgon2MemoryMiB,
			Parallelism: testArgon2Parallelism,
		}
		key, err := DeriveMasterKey([]byte(testPassword), testEmail, cfg)
		require.NoError(t, err)
		defer key.Destroy()

		assert.Equal(t, testMasterKeyArgon2B64, base64.StdEncoding.EncodeToString(key.Bytes()))
	})

	t.Run("UnknownFunction", func(t *testing.T) {
		cfg := KdfConfig{Function: KdfFunction(9), Iterations: 1}
		_, err := DeriveMasterKey([]byte(testPassword), testEmail, cfg)
		assert.ErrorIs(t, err, ErrUnsupportedKdf)
	})
}

func TestMasterPasswordHash(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(testMasterKeyPbkdf2B64)
	require.NoError(t, err)
	key, err := MasterKeyFromBytes(raw)
	require.NoError(t, err)
	defer key.Destroy()

	hash := MasterPasswordHash(key, []byte(testPassword))
	assert.Equal(t, testMasterPasswordHash, hash)
}

func TestStretchMasterKey(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(testMasterKeyPbkdf2B64)
	require.NoError(t, err)
	key, err := MasterKeyFromBytes(raw)
	require.NoError(t, err)
	defer key.Destroy()

	stretched, err := StretchMasterKey(key)
	require.NoError(t, err)
	defer stretched.Destroy()

	assert.Len(t, stretched.Enc(), 32)
	assert.Len(t, stretched.Mac(), 32)
	assert.NotEqual(t, stretched.Enc(), stretched.Mac())
	// Expansion keeps the master key out of both halves.
	assert.NotEqual(t, raw, stretched.Enc())
}

func TestKdfConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     KdfConfig
		wantErr bool
	}{
		{"Pbkdf2Valid", KdfConfig{Function: KdfPbkdf2, Iterations: 100000}, false},
		{"Pbkdf2ZeroIterations", KdfConfig{Function: KdfPbkdf2}, true},
		{"Argon2Valid", KdfConfig{Function: KdfArgon2id, Iterations: 3, MemoryMiB: 64, Parallelism: 4}, false},
		{"Argon2ZeroMemory", KdfConfig{Function: KdfArgon2id, Iterations: 3, Parallelism: 4}, true},
		{"Argon2ZeroParallelism", KdfConfig{Function: KdfArgon2id, Iterations: 3, MemoryMiB: 64}, true},
		{"UnknownFunction", KdfConfig{Function: KdfFunction(5), Iterations: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDeriveEncMacKeys(t *testing.T) {
	cfg := OwaspKdfConfig()
	salt := "APIKEYENCRYPTION:default:foobar@example.com"

	a, err := DeriveEncMacKeys([]byte(testPassword), salt, cfg)
	require.NoError(t, err)
	defer a.Destroy()

	b, err := DeriveEncMacKeys([]byte(testPassword), salt, cfg)
	require.NoError(t, err)
	defer b.Destroy()

	// Deterministic for a fixed salt, distinct across salts.
	assert.Equal(t, a.Bytes(), b.Bytes())

	c, err := DeriveEncMacKeys([]byte(testPassword), salt+"x", cfg)
	require.NoError(t, err)
	defer c.Destroy()
	assert.NotEqual(t, a.Bytes(), c.Bytes())
}
