package wden

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"github.com/luryus/wden/audit"
	"github.com/luryus/wden/escrow"
)

// LockState is the accessibility of the profile's key material.
type LockState int

const (
	LoggedOut LockState = iota
	Locked
	Unlocked
)

func (s LockState) String() string {
	switch s {
	case LoggedOut:
		return "logged out"
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Lifecycle owns the key material and session for one profile and drives
// the lock/unlock transitions. All state changes are serialized behind a
// single lock; decrypt batches hold its read side, so Lock waits for any
// in-flight batch before wiping keys.
//
// Key material lives in locked memory while Unlocked and is destroyed on
// every exit from that state. While Locked with biometric unlock enabled,
// the only remaining copy is the escrowed one, gated by the OS.
type Lifecycle struct {
	mu sync.RWMutex

	profileID string
	state     LockState
	session   *Session
	kdf       KdfConfig

	userKeys *EncMacKeys
	privKey  *memguard.LockedBuffer

	esc        escrow.Escrow
	biometrics bool
	handle     *escrow.Handle

	audit audit.Logger
	log   zerolog.Logger

	lastActivity atomic.Int64
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithAudit sets the security event logger.
func WithAudit(logger audit.Logger) LifecycleOption {
	return func(l *Lifecycle) { l.audit = logger }
}

// WithBiometrics enables key escrow on lock, subject to backend
// availability.
func WithBiometrics(enabled bool) LifecycleOption {
	return func(l *Lifecycle) { l.biometrics = enabled }
}

// WithLifecycleLogger sets the diagnostic logger.
func WithLifecycleLogger(log zerolog.Logger) LifecycleOption {
	return func(l *Lifecycle) { l.log = log }
}

// NewLifecycle builds a logged-out lifecycle for a profile.
func NewLifecycle(profileID string, esc escrow.Escrow, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		profileID: profileID,
		state:     LoggedOut,
		esc:       esc,
		audit:     &audit.NoOpLogger{},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current lock state.
func (l *Lifecycle) State() LockState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Session returns a snapshot of the current session, or nil when logged
// out. The snapshot does not see later token refreshes; re-read it after
// operations that may refresh.
func (l *Lifecycle) Session() *Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.session == nil {
		return nil
	}
	s := *l.session
	return &s
}

// Kdf returns the KDF parameters of the current session.
func (l *Lifecycle) Kdf() KdfConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.kdf
}

// StartSession installs a fresh session after login. The vault starts
// Locked; an unlock must follow.
func (l *Lifecycle) StartSession(session *Session, kdf KdfConfig) error {
	if err := kdf.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyKeysLocked()
	l.dropEscrowLocked()
	l.session = session
	l.kdf = kdf
	l.state = Locked
	l.touch()
	l.audit.Log(audit.ActionLogin, true, map[string]interface{}{"profile": l.profileID})
	return nil
}

// UpdateToken replaces the session token after a refresh. Already
// decrypted state is untouched.
func (l *Lifecycle) UpdateToken(token *TokenData) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		l.session.Token = token
	}
}

// UnlockWithPassword re-derives the key hierarchy from the master
// password and unwraps the vault key. A wrong password surfaces as
// ErrInvalidPassword; the causing MAC mismatch stays reachable via
// errors.Is for diagnostics.
func (l *Lifecycle) UnlockWithPassword(password []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		return ErrLoggedOut
	}
	if l.state == Unlocked {
		l.touch()
		return nil
	}

	masterKey, err := DeriveMasterKey(password, l.session.Email, l.kdf)
	if err != nil {
		return err
	}
	defer masterKey.Destroy()

	stretched, err := StretchMasterKey(masterKey)
	if err != nil {
		return err
	}
	defer stretched.Destroy()

	userKeys, err := DecryptUserKey(l.session.Token.Key, stretched)
	if err != nil {
		l.audit.Log(audit.ActionUnlock, false, map[string]interface{}{"profile": l.profileID, "method": "password"})
		if errors.Is(err, ErrMacMismatch) {
			return &InvalidPasswordError{Cause: err}
		}
		return err
	}

	if err := l.installKeysLocked(userKeys); err != nil {
		return err
	}
	l.audit.Log(audit.ActionUnlock, true, map[string]interface{}{"profile": l.profileID, "method": "password"})
	return nil
}

// UnlockWithBiometric retrieves the escrowed vault key through the OS
// gate and installs it. The escrow entry is single-use: success consumes
// it, and the next lock re-escrows a fresh copy.
func (l *Lifecycle) UnlockWithBiometric(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		return ErrLoggedOut
	}
	if l.state == Unlocked {
		l.touch()
		return nil
	}
	if !l.biometrics || l.esc == nil || !l.esc.Available() {
		return escrow.ErrUnavailable
	}
	if l.handle == nil {
		return escrow.ErrKeyNotFound
	}

	raw, err := l.esc.Retrieve(ctx, l.handle)
	if err != nil {
		l.audit.Log(audit.ActionUnlock, false, map[string]interface{}{"profile": l.profileID, "method": "biometric"})
		return err
	}
	l.handle = nil
	defer wipe(raw)

	userKeys, err := EncMacKeysFromBytes(raw)
	if err != nil {
		return err
	}
	if err := l.installKeysLocked(userKeys); err != nil {
		return err
	}
	l.audit.Log(audit.ActionUnlock, true, map[string]interface{}{"profile": l.profileID, "method": "biometric"})
	return nil
}

// Lock wipes the key material and all it protects. Idempotent and
// infallible: a failed escrow store degrades to a plain lock and is only
// reported to the audit log. Waits for in-flight decrypt batches.
func (l *Lifecycle) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Unlocked {
		return
	}

	// Escrow before wiping, so the only copy while locked is the
	// OS-gated one.
	if l.biometrics && l.esc != nil && l.esc.Available() {
		l.dropEscrowLocked()
		handle, err := l.esc.Store(l.profileID, l.userKeys.Bytes())
		if err != nil {
			l.log.Warn().Err(err).Msg("key escrow failed, locking without biometric unlock")
			l.audit.Log(audit.ActionEscrowStore, false, map[string]interface{}{"profile": l.profileID})
		} else {
			l.handle = handle
			l.audit.Log(audit.ActionEscrowStore, true, map[string]interface{}{"profile": l.profileID})
		}
	}

	l.destroyKeysLocked()
	l.state = Locked
	l.audit.Log(audit.ActionLock, true, map[string]interface{}{"profile": l.profileID})
}

// Logout destroys the session, the key material and any escrowed copy.
func (l *Lifecycle) Logout() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.destroyKeysLocked()
	l.dropEscrowLocked()
	l.session = nil
	l.state = LoggedOut
	l.audit.Log(audit.ActionLogout, true, map[string]interface{}{"profile": l.profileID})
}

// WithKeys runs fn with the live vault key and RSA private key while
// holding the lifecycle read lock, so no lock transition can wipe the
// keys mid-batch. fn must not retain either value.
func (l *Lifecycle) WithKeys(fn func(userKeys *EncMacKeys, privateKeyDER []byte) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.state != Unlocked {
		return ErrVaultLocked
	}
	var der []byte
	if l.privKey != nil {
		der = l.privKey.Bytes()
	}
	return fn(l.userKeys, der)
}

// Touch records user activity for the external auto-lock timer.
func (l *Lifecycle) Touch() {
	l.touch()
}

// LastActivity returns the most recent Touch time.
func (l *Lifecycle) LastActivity() time.Time {
	return time.Unix(0, l.lastActivity.Load())
}

func (l *Lifecycle) touch() {
	l.lastActivity.Store(time.Now().UnixNano())
}

// installKeysLocked takes ownership of userKeys, decrypts the profile RSA
// private key under it and moves to Unlocked. Caller holds the write
// lock.
func (l *Lifecycle) installKeysLocked(userKeys *EncMacKeys) error {
	var privKey *memguard.LockedBuffer
	if !l.session.Token.PrivateKey.IsEmpty() {
		der, err := l.session.Token.PrivateKey.Decrypt(userKeys)
		if err != nil {
			userKeys.Destroy()
			return fmt.Errorf("decrypting private key: %w", err)
		}
		privKey = memguard.NewBufferFromBytes(der)
	}

	l.destroyKeysLocked()
	l.userKeys = userKeys
	l.privKey = privKey
	l.state = Unlocked
	l.touch()
	return nil
}

func (l *Lifecycle) destroyKeysLocked() {
	if l.userKeys != nil {
		l.userKeys.Destroy()
		l.userKeys = nil
	}
	if l.privKey != nil {
		l.privKey.Destroy()
		l.privKey = nil
	}
}

func (l *Lifecycle) dropEscrowLocked() {
	if l.handle != nil && l.esc != nil {
		if err := l.esc.Delete(l.handle); err != nil {
			l.log.Warn().Err(err).Msg("deleting escrowed key failed")
		}
		l.handle = nil
	}
}
