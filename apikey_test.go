package wden

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyRoundTrip(t *testing.T) {
	key := &APIKey{
		Email:        testEmail,
		ClientID:     "user.0c7ab8d1",
		ClientSecret: "super-secret",
	}

	enc, err := EncryptAPIKey(key, "default", testEmail, []byte(testPassword))
	require.NoError(t, err)
	assert.False(t, enc.Key.IsEmpty())
	require.NoError(t, enc.Kdf.Validate())

	dec, err := DecryptAPIKey(enc, "default", testEmail, []byte(testPassword))
	require.NoError(t, err)
	assert.Equal(t, key, dec)
}

func TestDecryptAPIKeyWrongPassword(t *testing.T) {
	key := &APIKey{Email: testEmail, ClientID: "user.abc", ClientSecret: "s"}
	enc, err := EncryptAPIKey(key, "default", testEmail, []byte(testPassword))
	require.NoError(t, err)

	_, err = DecryptAPIKey(enc, "default", testEmail, []byte("wrong"))
	assert.ErrorIs(t, err, ErrMacMismatch)
}

func TestDecryptAPIKeyBoundToProfileAndEmail(t *testing.T) {
	key := &APIKey{Email: testEmail, ClientID: "user.abc", ClientSecret: "s"}
	enc, err := EncryptAPIKey(key, "default", testEmail, []byte(testPassword))
	require.NoError(t, err)

	_, err = DecryptAPIKey(enc, "work", testEmail, []byte(testPassword))
	assert.ErrorIs(t, err, ErrMacMismatch)

	_, err = DecryptAPIKey(enc, "default", "other@example.com", []byte(testPassword))
	assert.ErrorIs(t, err, ErrMacMismatch)
}
