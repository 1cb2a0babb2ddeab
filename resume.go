package wden

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luryus/wden/internal/misc"
)

// sessionState is the at-rest form of an authenticated session: the token
// blob plus the KDF parameters needed to unlock with it again. Sealed
// under keys derived from the master password before it reaches the
// store; the vault key cannot seal it because the wrapped vault key lives
// inside the token itself.
type sessionState struct {
	Email    string     `json:"email"`
	Kdf      KdfConfig  `json:"kdf"`
	Token    *TokenData `json:"token"`
	IssuedAt time.Time  `json:"issued_at"`
	SavedAt  time.Time  `json:"saved_at"`
}

func sessionStateSalt(profileID string) string {
	return "SESSIONSTATE:" + profileID
}

// persistSession derives the session sealing keys from the master
// password and writes the current session through the store. Called on
// every successful unlock-by-password; the derived keys are retained so
// token refreshes can re-seal without the password.
func (a *App) persistSession(password []byte) error {
	if a.store == nil {
		return nil
	}

	keys, err := DeriveEncMacKeys(password, sessionStateSalt(a.profileID), OwaspKdfConfig())
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.sessionKeys != nil {
		a.sessionKeys.Destroy()
	}
	a.sessionKeys = keys
	a.mu.Unlock()

	return a.saveSessionState()
}

// saveSessionState seals the current session under the retained keys and
// writes it through the store. A no-op when no store is configured or no
// sealing keys are on hand.
func (a *App) saveSessionState() error {
	session := a.lifecycle.Session()

	a.mu.Lock()
	keys := a.sessionKeys
	version := a.sessionVersion
	a.mu.Unlock()

	if a.store == nil || keys == nil || session == nil || session.Token == nil {
		return nil
	}

	state := sessionState{
		Email:    session.Email,
		Kdf:      a.lifecycle.Kdf(),
		Token:    session.Token,
		IssuedAt: session.Token.IssuedAt,
		SavedAt:  time.Now(),
	}
	plain, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	envelope, err := Encrypt(plain, keys)
	wipe(plain)
	if err != nil {
		return err
	}

	newVersion, err := a.store.SaveSessionState([]byte(envelope.String()), version)
	if err != nil {
		return fmt.Errorf("writing session state: %w", err)
	}

	a.mu.Lock()
	a.sessionVersion = newVersion
	a.mu.Unlock()
	return nil
}

// ResumeSession restores the persisted session with the master password,
// without contacting the identity server. Returns false when no session
// is on file. Combined with LoadCached this brings the vault up fully
// offline; the next Sync picks up token refreshing as usual.
func (a *App) ResumeSession(password []byte) (bool, error) {
	if a.store == nil {
		return false, nil
	}

	versioned, err := a.store.LoadSessionState()
	if err != nil {
		if misc.IsNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading session state: %w", err)
	}
	// A zero-length file is a cleared session.
	if len(versioned.Data) == 0 {
		return false, nil
	}

	envelope, err := ParseCipherString(string(versioned.Data))
	if err != nil {
		return false, fmt.Errorf("parsing session state envelope: %w", err)
	}

	keys, err := DeriveEncMacKeys(password, sessionStateSalt(a.profileID), OwaspKdfConfig())
	if err != nil {
		return false, err
	}

	plain, err := envelope.Decrypt(keys)
	if err != nil {
		keys.Destroy()
		if errors.Is(err, ErrMacMismatch) {
			return false, &InvalidPasswordError{Cause: err}
		}
		return false, fmt.Errorf("opening session state: %w", err)
	}

	var state sessionState
	err = json.Unmarshal(plain, &state)
	wipe(plain)
	if err != nil {
		keys.Destroy()
		return false, fmt.Errorf("decoding session state: %w", err)
	}
	if state.Token == nil {
		keys.Destroy()
		return false, fmt.Errorf("session state missing token")
	}
	state.Token.IssuedAt = state.IssuedAt

	session := &Session{
		Email:    state.Email,
		DeviceID: a.api.DeviceID(),
		Token:    state.Token,
	}
	if err := a.lifecycle.StartSession(session, state.Kdf); err != nil {
		keys.Destroy()
		return false, err
	}
	if err := a.lifecycle.UnlockWithPassword(password); err != nil {
		keys.Destroy()
		a.lifecycle.Logout()
		return false, err
	}

	a.mu.Lock()
	if a.sessionKeys != nil {
		a.sessionKeys.Destroy()
	}
	a.sessionKeys = keys
	a.sessionVersion = versioned.Version
	a.mu.Unlock()
	return true, nil
}

// clearSessionState truncates the persisted session and destroys the
// sealing keys; used on logout. Truncation keeps the version chain intact
// for concurrent readers, matching the sync cache.
func (a *App) clearSessionState() error {
	a.mu.Lock()
	if a.sessionKeys != nil {
		a.sessionKeys.Destroy()
		a.sessionKeys = nil
	}
	a.mu.Unlock()

	if a.store == nil {
		return nil
	}
	exists, err := a.store.SessionStateExists()
	if err != nil || !exists {
		return err
	}
	version, err := a.store.SaveSessionState([]byte{}, "")
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.sessionVersion = version
	a.mu.Unlock()
	return nil
}
