package wden

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/luryus/wden/audit"
	"github.com/luryus/wden/escrow"
	"github.com/luryus/wden/internal/mem"
	"github.com/luryus/wden/persist"
)

// App wires the API client, lifecycle, decryptor, cache and exporter for
// one profile. It is the surface the CLI and the terminal UI program
// against.
type App struct {
	profileID string
	opts      Options

	api       *Client
	lifecycle *Lifecycle
	decryptor *Decryptor

	store    persist.Store
	cache    *SyncCache
	exporter *Exporter

	auditLog audit.Logger
	log      zerolog.Logger

	mu sync.Mutex
	// lastSync is the most recent sync payload, from the server or the
	// offline cache. Envelopes only; decryption happens per batch.
	lastSync *SyncResponse
	// apiKey is retained for api-key sessions so the refresh path can
	// re-authenticate.
	apiKey *APIKey
	// rememberedTwoFactor is the device token issued when the user
	// asked to be remembered; the caller persists it across runs.
	rememberedTwoFactor string
	// sessionKeys seal the persisted session state at rest. Derived from
	// the master password on unlock, retained so token refreshes can
	// re-seal without it.
	sessionKeys    *EncMacKeys
	sessionVersion string
}

// NewApp builds an App for a profile. deviceID must be stable across runs
// for the remembered two-factor token to stay valid.
func NewApp(profileID, deviceID string, server ServerConfig, opts Options, log zerolog.Logger) (*App, error) {
	if opts.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			return nil, fmt.Errorf("locking process memory: %w", err)
		}
		if level != mem.ProtectionFull {
			log.Warn().Msg("full memory locking unavailable, key material may be swappable")
		}
	}

	auditLog, err := audit.NewLogger(opts.Audit)
	if err != nil {
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}

	lifecycle := NewLifecycle(profileID, escrow.New(log),
		WithAudit(auditLog),
		WithBiometrics(opts.Biometrics),
		WithLifecycleLogger(log),
	)

	a := &App{
		profileID: profileID,
		opts:      opts,
		api:       NewClient(server, deviceID, WithLogger(log)),
		lifecycle: lifecycle,
		decryptor: NewDecryptor(lifecycle, opts.DecryptWorkers, log),
		auditLog:  auditLog,
		log:       log,
	}

	if opts.Cache != nil {
		store, err := persist.NewStore(*opts.Cache, profileID)
		if err != nil {
			return nil, fmt.Errorf("opening cache store: %w", err)
		}
		a.store = store
		a.cache = NewSyncCache(store, lifecycle, log)
		a.exporter = NewExporter(store, log)
	}

	return a, nil
}

// Lifecycle exposes the lock state machine for the view layer.
func (a *App) Lifecycle() *Lifecycle {
	return a.lifecycle
}

// API exposes the raw API client.
func (a *App) API() *Client {
	return a.api
}

// Options returns the options the App was built with.
func (a *App) Options() Options {
	return a.opts
}

// RememberedTwoFactor returns the device token issued by the server when
// two-factor remembering was requested, or "".
func (a *App) RememberedTwoFactor() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rememberedTwoFactor
}

// SetRememberedTwoFactor installs a token persisted by a previous run so
// logins can bypass the two-factor prompt.
func (a *App) SetRememberedTwoFactor(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rememberedTwoFactor = token
}

// LoginWithPassword runs prelogin, authenticates and unlocks in one step.
// A non-nil challenge means the server wants a captcha or two-factor
// response; resolve it with ResolveChallenge. The password is wiped by the
// caller.
func (a *App) LoginWithPassword(ctx context.Context, email string, password []byte, opts LoginOptions) (*AuthChallenge, error) {
	kdf, err := a.api.Prelogin(ctx, email)
	if err != nil {
		return nil, err
	}

	hash, err := a.passwordHash(email, password, kdf)
	if err != nil {
		return nil, err
	}

	if opts.TwoFactor == nil {
		if remembered := a.RememberedTwoFactor(); remembered != "" {
			opts.TwoFactor = &TwoFactorInput{
				Provider: TwoFactorRemember,
				Token:    remembered,
			}
		}
	}

	outcome, err := a.api.LoginPassword(ctx, email, hash, opts)
	if err != nil {
		return nil, err
	}
	if outcome.Challenge != nil {
		a.auditLog.Log(audit.ActionLoginChallenge, true, map[string]interface{}{
			"profile": a.profileID,
			"captcha": outcome.Challenge.IsCaptcha(),
		})
		return outcome.Challenge, nil
	}

	return nil, a.establishSession(email, password, outcome.Token, kdf)
}

// ResolveChallenge answers a captcha or two-factor challenge from a prior
// LoginWithPassword.
func (a *App) ResolveChallenge(ctx context.Context, email string, password []byte, challenge *AuthChallenge, opts LoginOptions) (*AuthChallenge, error) {
	kdf, err := a.api.Prelogin(ctx, email)
	if err != nil {
		return nil, err
	}

	hash, err := a.passwordHash(email, password, kdf)
	if err != nil {
		return nil, err
	}

	outcome, err := a.api.ResolveChallenge(ctx, email, hash, challenge, opts)
	if err != nil {
		return nil, err
	}
	if outcome.Challenge != nil {
		return outcome.Challenge, nil
	}

	return nil, a.establishSession(email, password, outcome.Token, kdf)
}

// LoginWithAPIKey authenticates with the account's client credentials.
// The master password is still needed to unlock the vault key; captcha and
// two-factor do not apply to this grant.
func (a *App) LoginWithAPIKey(ctx context.Context, key *APIKey, password []byte) error {
	outcome, err := a.api.LoginAPIKey(ctx, key)
	if err != nil {
		return err
	}
	if outcome.Challenge != nil {
		// The api-key grant is not subject to challenges; treat one as
		// a protocol violation.
		return fmt.Errorf("unexpected challenge on api key login")
	}

	kdf, ok := outcome.Token.KdfConfig()
	if !ok {
		return fmt.Errorf("token response missing KDF parameters")
	}

	if err := a.establishSession(key.Email, password, outcome.Token, kdf); err != nil {
		return err
	}

	a.mu.Lock()
	a.apiKey = key
	a.mu.Unlock()
	return nil
}

func (a *App) passwordHash(email string, password []byte, kdf KdfConfig) (string, error) {
	mk, err := DeriveMasterKey(password, email, kdf)
	if err != nil {
		return "", err
	}
	defer mk.Destroy()
	return MasterPasswordHash(mk, password), nil
}

func (a *App) establishSession(email string, password []byte, token *TokenData, kdf KdfConfig) error {
	session := &Session{
		Email:    email,
		DeviceID: a.api.DeviceID(),
		Token:    token,
	}
	if err := a.lifecycle.StartSession(session, kdf); err != nil {
		return err
	}
	if token.TwoFactorToken != "" {
		a.mu.Lock()
		a.rememberedTwoFactor = token.TwoFactorToken
		a.mu.Unlock()
	}
	if err := a.lifecycle.UnlockWithPassword(password); err != nil {
		return err
	}
	// Persist the session for offline relaunch. Failure is not a login
	// failure; the session just will not survive this process.
	if err := a.persistSession(password); err != nil {
		a.log.Warn().Err(err).Msg("persisting session state failed")
	}
	return nil
}

// EnsureFresh refreshes the access token when it is close to expiry. A
// rejected refresh forces a logout and returns ErrTokenExpired.
func (a *App) EnsureFresh(ctx context.Context) error {
	session := a.lifecycle.Session()
	if session == nil {
		return ErrLoggedOut
	}
	if !session.Token.ShouldRefresh() {
		return nil
	}

	a.mu.Lock()
	key := a.apiKey
	a.mu.Unlock()

	token, err := a.api.RefreshToken(ctx, session.Token, key)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			a.auditLog.Log(audit.ActionTokenRefresh, false, map[string]interface{}{"profile": a.profileID})
			a.Logout()
			return ErrTokenExpired
		}
		// Transient failure: the old token may still be valid.
		a.auditLog.Log(audit.ActionTokenRefresh, false, map[string]interface{}{"profile": a.profileID})
		return err
	}

	a.lifecycle.UpdateToken(token)
	a.auditLog.Log(audit.ActionTokenRefresh, true, map[string]interface{}{"profile": a.profileID})
	if err := a.saveSessionState(); err != nil {
		a.log.Warn().Err(err).Msg("re-sealing session state after refresh failed")
	}
	return nil
}

// Sync fetches the vault from the server and reseals the offline cache.
func (a *App) Sync(ctx context.Context) error {
	if err := a.EnsureFresh(ctx); err != nil {
		return err
	}
	session := a.lifecycle.Session()
	if session == nil {
		return ErrLoggedOut
	}

	data, err := a.api.Sync(ctx, session.Token.AccessToken)
	if err != nil {
		a.auditLog.Log(audit.ActionSync, false, map[string]interface{}{"profile": a.profileID})
		return err
	}

	a.mu.Lock()
	a.lastSync = data
	a.mu.Unlock()

	if a.cache != nil && a.lifecycle.State() == Unlocked {
		if err := a.cache.Save(data); err != nil {
			a.log.Warn().Err(err).Msg("writing sync cache failed")
		}
	}

	a.auditLog.Log(audit.ActionSync, true, map[string]interface{}{
		"profile": a.profileID,
		"items":   len(data.Ciphers),
	})
	return nil
}

// LoadCached populates the item set from the offline cache, for starting
// up without a network. Requires an unlocked vault.
func (a *App) LoadCached() (bool, error) {
	if a.cache == nil {
		return false, nil
	}
	data, err := a.cache.Load()
	if err != nil || data == nil {
		return false, err
	}
	a.mu.Lock()
	a.lastSync = data
	a.mu.Unlock()
	return true, nil
}

// Items decrypts the current item set. Sync or LoadCached must have run.
func (a *App) Items(ctx context.Context) ([]DecryptedItem, error) {
	a.mu.Lock()
	data := a.lastSync
	a.mu.Unlock()

	if data == nil {
		return nil, fmt.Errorf("no vault data: sync first")
	}
	return a.decryptor.DecryptAll(ctx, data)
}

// Export writes a passphrase-sealed snapshot of the decrypted vault.
func (a *App) Export(ctx context.Context, name string, passphrase []byte) (string, error) {
	if a.exporter == nil {
		return "", fmt.Errorf("no cache store configured for exports")
	}
	session := a.lifecycle.Session()
	if session == nil {
		return "", ErrLoggedOut
	}

	items, err := a.Items(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		for i := range items {
			items[i].Wipe()
		}
	}()

	return a.exporter.Export(name, session.Email, items, passphrase)
}

// Exporter returns the export subsystem, or nil when no store is
// configured.
func (a *App) Exporter() *Exporter {
	return a.exporter
}

// Lock locks the vault, escrowing the key first when biometrics are on.
func (a *App) Lock() {
	a.lifecycle.Lock()
}

// Logout tears the session down and clears the offline cache.
func (a *App) Logout() {
	a.lifecycle.Logout()

	a.mu.Lock()
	a.lastSync = nil
	a.apiKey = nil
	a.mu.Unlock()

	if a.cache != nil {
		if err := a.cache.Clear(); err != nil {
			a.log.Warn().Err(err).Msg("clearing sync cache failed")
		}
	}
	if err := a.clearSessionState(); err != nil {
		a.log.Warn().Err(err).Msg("clearing session state failed")
	}
}

// Close releases the store and audit resources. The vault is locked
// first.
func (a *App) Close() error {
	a.lifecycle.Lock()

	a.mu.Lock()
	if a.sessionKeys != nil {
		a.sessionKeys.Destroy()
		a.sessionKeys = nil
	}
	a.mu.Unlock()

	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = err
		}
	}
	if err := a.auditLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.opts.EnableMemoryLock {
		if err := mem.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
