package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRetrieve(t *testing.T) {
	m := NewMemory()
	assert.True(t, m.Available())

	key := []byte("0123456789abcdef0123456789abcdef")
	h, err := m.Store("default", key)
	require.NoError(t, err)
	assert.Equal(t, "default", h.ProfileID)

	got, err := m.Retrieve(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestMemorySingleUse(t *testing.T) {
	m := NewMemory()
	h, err := m.Store("default", []byte("secret"))
	require.NoError(t, err)

	_, err = m.Retrieve(context.Background(), h)
	require.NoError(t, err)

	_, err = m.Retrieve(context.Background(), h)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryGate(t *testing.T) {
	m := NewMemory()
	calls := 0
	m.Gate = func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return ErrBiometricDenied
		}
		return nil
	}

	h, err := m.Store("default", []byte("secret"))
	require.NoError(t, err)

	_, err = m.Retrieve(context.Background(), h)
	assert.ErrorIs(t, err, ErrBiometricDenied)

	// A denied gate does not consume the blob.
	got, err := m.Retrieve(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	h, err := m.Store("default", []byte("secret"))
	require.NoError(t, err)

	require.NoError(t, m.Delete(h))
	_, err = m.Retrieve(context.Background(), h)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting again is not an error.
	require.NoError(t, m.Delete(h))
}

func TestMemoryHandlesAreIndependent(t *testing.T) {
	m := NewMemory()
	h1, err := m.Store("a", []byte("first"))
	require.NoError(t, err)
	h2, err := m.Store("b", []byte("second"))
	require.NoError(t, err)

	got, err := m.Retrieve(context.Background(), h2)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	got, err = m.Retrieve(context.Background(), h1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestSealedBlobTamper(t *testing.T) {
	sealingKey, err := newSealingKey()
	require.NoError(t, err)

	blob, err := seal(sealingKey, []byte("payload"))
	require.NoError(t, err)

	blob.ct[0] ^= 0x01
	_, err = blob.open(sealingKey)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
