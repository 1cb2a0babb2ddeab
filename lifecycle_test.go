package wden

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luryus/wden/escrow"
)

func testSession(t *testing.T) *Session {
	t.Helper()
	key, err := ParseCipherString(testUserKeyCipherString)
	require.NoError(t, err)
	priv, err := ParseCipherString(testPrivateKeyCipherString)
	require.NoError(t, err)
	return &Session{
		Email:    testEmail,
		DeviceID: "device-1",
		Token: &TokenData{
			Key:         key,
			PrivateKey:  priv,
			AccessToken: "at",
			ExpiresIn:   3600,
		},
	}
}

func testKdf() KdfConfig {
	return KdfConfig{Function: KdfPbkdf2, Iterations: testPbkdf2Iterations}
}

func TestLifecycleUnlockWithPassword(t *testing.T) {
	l := NewLifecycle("default", nil)
	assert.Equal(t, LoggedOut, l.State())

	t.Run("LoggedOut", func(t *testing.T) {
		err := l.UnlockWithPassword([]byte(testPassword))
		assert.ErrorIs(t, err, ErrLoggedOut)
	})

	require.NoError(t, l.StartSession(testSession(t), testKdf()))
	assert.Equal(t, Locked, l.State())

	t.Run("WrongPassword", func(t *testing.T) {
		err := l.UnlockWithPassword([]byte("not the password"))
		assert.ErrorIs(t, err, ErrInvalidPassword)
		// The underlying MAC failure stays reachable.
		assert.ErrorIs(t, err, ErrMacMismatch)
		assert.Equal(t, Locked, l.State())
	})

	t.Run("CorrectPassword", func(t *testing.T) {
		require.NoError(t, l.UnlockWithPassword([]byte(testPassword)))
		assert.Equal(t, Unlocked, l.State())

		err := l.WithKeys(func(userKeys *EncMacKeys, privateKeyDER []byte) error {
			c, err := ParseCipherString(testCipherString)
			require.NoError(t, err)
			plain, err := c.Decrypt(userKeys)
			require.NoError(t, err)
			assert.Equal(t, "Test", string(plain))
			assert.NotEmpty(t, privateKeyDER)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("UnlockWhileUnlockedIsNoOp", func(t *testing.T) {
		require.NoError(t, l.UnlockWithPassword([]byte("ignored")))
		assert.Equal(t, Unlocked, l.State())
	})
}

func TestLifecycleLock(t *testing.T) {
	l := NewLifecycle("default", nil)
	require.NoError(t, l.StartSession(testSession(t), testKdf()))
	require.NoError(t, l.UnlockWithPassword([]byte(testPassword)))

	l.Lock()
	assert.Equal(t, Locked, l.State())

	err := l.WithKeys(func(*EncMacKeys, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrVaultLocked)

	// Idempotent.
	l.Lock()
	assert.Equal(t, Locked, l.State())

	// The same password unlocks again.
	require.NoError(t, l.UnlockWithPassword([]byte(testPassword)))
	assert.Equal(t, Unlocked, l.State())
}

func TestLifecycleBiometric(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		l := NewLifecycle("default", escrow.NewMemory())
		require.NoError(t, l.StartSession(testSession(t), testKdf()))
		err := l.UnlockWithBiometric(context.Background())
		assert.ErrorIs(t, err, escrow.ErrUnavailable)
	})

	t.Run("NoEscrowedKey", func(t *testing.T) {
		l := NewLifecycle("default", escrow.NewMemory(), WithBiometrics(true))
		require.NoError(t, l.StartSession(testSession(t), testKdf()))
		err := l.UnlockWithBiometric(context.Background())
		assert.ErrorIs(t, err, escrow.ErrKeyNotFound)
	})

	t.Run("LockEscrowsAndUnlockConsumes", func(t *testing.T) {
		l := NewLifecycle("default", escrow.NewMemory(), WithBiometrics(true))
		require.NoError(t, l.StartSession(testSession(t), testKdf()))
		require.NoError(t, l.UnlockWithPassword([]byte(testPassword)))

		l.Lock()
		require.NoError(t, l.UnlockWithBiometric(context.Background()))
		assert.Equal(t, Unlocked, l.State())

		// The restored keys decrypt vault content.
		err := l.WithKeys(func(userKeys *EncMacKeys, _ []byte) error {
			c, err := ParseCipherString(testCipherString)
			require.NoError(t, err)
			plain, err := c.Decrypt(userKeys)
			require.NoError(t, err)
			assert.Equal(t, "Test", string(plain))
			return nil
		})
		require.NoError(t, err)

		// Each lock escrows a fresh copy, so the cycle repeats.
		l.Lock()
		require.NoError(t, l.UnlockWithBiometric(context.Background()))
	})

	t.Run("GateDenied", func(t *testing.T) {
		esc := escrow.NewMemory()
		denied := true
		esc.Gate = func(ctx context.Context) error {
			if denied {
				return escrow.ErrBiometricDenied
			}
			return nil
		}

		l := NewLifecycle("default", esc, WithBiometrics(true))
		require.NoError(t, l.StartSession(testSession(t), testKdf()))
		require.NoError(t, l.UnlockWithPassword([]byte(testPassword)))
		l.Lock()

		err := l.UnlockWithBiometric(context.Background())
		assert.ErrorIs(t, err, escrow.ErrBiometricDenied)
		assert.Equal(t, Locked, l.State())

		// A denied prompt does not consume the escrowed key.
		denied = false
		require.NoError(t, l.UnlockWithBiometric(context.Background()))
	})

	t.Run("PasswordFallbackStillWorks", func(t *testing.T) {
		l := NewLifecycle("default", escrow.NewMemory(), WithBiometrics(true))
		require.NoError(t, l.StartSession(testSession(t), testKdf()))
		require.NoError(t, l.UnlockWithPassword([]byte(testPassword)))
		l.Lock()
		require.NoError(t, l.UnlockWithPassword([]byte(testPassword)))
	})
}

func TestLifecycleLogout(t *testing.T) {
	l := NewLifecycle("default", escrow.NewMemory(), WithBiometrics(true))
	require.NoError(t, l.StartSession(testSession(t), testKdf()))
	require.NoError(t, l.UnlockWithPassword([]byte(testPassword)))

	l.Logout()
	assert.Equal(t, LoggedOut, l.State())
	assert.Nil(t, l.Session())

	err := l.UnlockWithPassword([]byte(testPassword))
	assert.ErrorIs(t, err, ErrLoggedOut)

	err = l.UnlockWithBiometric(context.Background())
	assert.ErrorIs(t, err, ErrLoggedOut)
}

func TestLifecycleStartSession(t *testing.T) {
	t.Run("RejectsInvalidKdf", func(t *testing.T) {
		l := NewLifecycle("default", nil)
		err := l.StartSession(testSession(t), KdfConfig{Function: KdfPbkdf2})
		assert.ErrorIs(t, err, ErrUnsupportedKdf)
		assert.Equal(t, LoggedOut, l.State())
	})

	t.Run("ReplacesExistingSession", func(t *testing.T) {
		l := NewLifecycle("default", nil)
		require.NoError(t, l.StartSession(testSession(t), testKdf()))
		require.NoError(t, l.UnlockWithPassword([]byte(testPassword)))

		require.NoError(t, l.StartSession(testSession(t), testKdf()))
		assert.Equal(t, Locked, l.State())
	})
}

func TestLifecycleUpdateToken(t *testing.T) {
	l := NewLifecycle("default", nil)
	require.NoError(t, l.StartSession(testSession(t), testKdf()))

	// Session() hands out a snapshot, so a token refresh on another
	// goroutine cannot mutate what a caller is reading.
	snapshot := l.Session()

	fresh := &TokenData{AccessToken: "at-new"}
	l.UpdateToken(fresh)

	assert.Equal(t, "at", snapshot.Token.AccessToken)
	assert.Equal(t, "at-new", l.Session().Token.AccessToken)
}

func TestLifecycleActivity(t *testing.T) {
	l := NewLifecycle("default", nil)
	require.NoError(t, l.StartSession(testSession(t), testKdf()))

	before := l.LastActivity()
	l.Touch()
	assert.False(t, l.LastActivity().Before(before))
}
