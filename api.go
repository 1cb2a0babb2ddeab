package wden

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ClientVersion is sent in the Bitwarden-Client-Version header; the
// production servers reject requests without a plausible one.
const ClientVersion = "2024.12.0"

// Bitwarden device type identifiers for CLI clients.
const (
	deviceTypeWindowsCLI = 23
	deviceTypeMacOsCLI   = 24
	deviceTypeLinuxCLI   = 25
)

func deviceType() int {
	switch runtime.GOOS {
	case "windows":
		return deviceTypeWindowsCLI
	case "darwin":
		return deviceTypeMacOsCLI
	default:
		return deviceTypeLinuxCLI
	}
}

func deviceName() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "macos"
	default:
		return "linux"
	}
}

// Doer is the HTTP capability the client calls through. Transport-level
// policy (TLS, proxies, per-request retries) belongs to the
// implementation; the client only interprets auth semantics.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client talks to the identity and API endpoints of a Bitwarden-compatible
// server. It is safe for concurrent use.
type Client struct {
	http     Doer
	server   ServerConfig
	deviceID string
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTP replaces the HTTP capability, mainly for tests.
func WithHTTP(d Doer) ClientOption {
	return func(c *Client) { c.http = d }
}

// WithLogger sets the diagnostic logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient builds a client for the given server. deviceID is the
// profile's stable device identifier.
func NewClient(server ServerConfig, deviceID string, opts ...ClientOption) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		server:   server,
		deviceID: deviceID,
		// Paces identity calls so local retry loops cannot hammer the
		// server even if a caller ignores RateLimitError.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceID returns the stable device identifier the client was built
// with.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// TwoFactorProviderType identifies a second factor method. The numeric
// values are the server's.
type TwoFactorProviderType int

const (
	TwoFactorAuthenticator   TwoFactorProviderType = 0
	TwoFactorEmail           TwoFactorProviderType = 1
	TwoFactorDuo             TwoFactorProviderType = 2
	TwoFactorYubiKey         TwoFactorProviderType = 3
	TwoFactorU2F             TwoFactorProviderType = 4
	TwoFactorRemember        TwoFactorProviderType = 5
	TwoFactorOrganizationDuo TwoFactorProviderType = 6
)

func (t TwoFactorProviderType) String() string {
	switch t {
	case TwoFactorAuthenticator:
		return "authenticator"
	case TwoFactorEmail:
		return "email"
	case TwoFactorDuo:
		return "duo"
	case TwoFactorYubiKey:
		return "yubikey"
	case TwoFactorU2F:
		return "u2f"
	case TwoFactorRemember:
		return "remember"
	case TwoFactorOrganizationDuo:
		return "organization duo"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// TwoFactorInput is a caller-supplied second factor response.
type TwoFactorInput struct {
	Provider TwoFactorProviderType
	Token    string
	// Remember asks the server for a device token that skips the second
	// factor on future logins. Persisted by the profile store.
	Remember bool
}

// AuthChallenge is an outstanding server-requested step before a token is
// issued: either a captcha or a two-factor prompt, never both.
type AuthChallenge struct {
	// CaptchaSiteKey is set for captcha challenges.
	CaptchaSiteKey string
	// Providers lists the available second factor methods for two-factor
	// challenges.
	Providers []TwoFactorProviderType
	// CaptchaBypassToken, when present on a two-factor challenge, lets
	// the resubmission skip a captcha.
	CaptchaBypassToken string
}

// IsCaptcha reports whether this is a captcha challenge.
func (c *AuthChallenge) IsCaptcha() bool {
	return c.CaptchaSiteKey != ""
}

// LoginOutcome is the result of a login attempt: either a token or a
// challenge to resolve.
type LoginOutcome struct {
	Token     *TokenData
	Challenge *AuthChallenge
}

// LoginOptions carries the optional parts of a password login.
type LoginOptions struct {
	TwoFactor    *TwoFactorInput
	CaptchaToken string
}

// Prelogin fetches the account's KDF parameters. The server answers for
// unknown accounts too, so a wrong email only surfaces at login.
func (c *Client) Prelogin(ctx context.Context, email string) (KdfConfig, error) {
	body, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return KdfConfig{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.server.IdentityBaseURL()+"accounts/prelogin", bytes.NewReader(body))
	if err != nil {
		return KdfConfig{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.do(ctx, "prelogin", req)
	if err != nil {
		return KdfConfig{}, err
	}
	defer res.Body.Close()

	if err := checkStatus(res, "prelogin"); err != nil {
		return KdfConfig{}, err
	}

	var cfg KdfConfig
	if err := json.NewDecoder(res.Body).Decode(&cfg); err != nil {
		return KdfConfig{}, fmt.Errorf("decoding prelogin response: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return KdfConfig{}, err
	}
	return cfg, nil
}

// LoginPassword submits a password grant. passwordHash is the master
// password hash from MasterPasswordHash, never the password itself.
func (c *Client) LoginPassword(ctx context.Context, email, passwordHash string, opts LoginOptions) (*LoginOutcome, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", email)
	form.Set("password", passwordHash)
	form.Set("scope", "api offline_access")
	form.Set("client_id", "cli")
	c.setDeviceFields(form)

	if tf := opts.TwoFactor; tf != nil {
		form.Set("twoFactorToken", tf.Token)
		form.Set("twoFactorProvider", strconv.Itoa(int(tf.Provider)))
		if tf.Remember && tf.Provider != TwoFactorRemember {
			form.Set("twoFactorRemember", "1")
		}
	}
	if opts.CaptchaToken != "" {
		form.Set("captchaResponse", opts.CaptchaToken)
	}

	return c.token(ctx, email, form)
}

// APIKey is a personal API key credential set.
type APIKey struct {
	Email        string `json:"email"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// LoginAPIKey submits a client-credentials grant with a personal API key.
// The response bundles the KDF parameters, so no prelogin is needed.
func (c *Client) LoginAPIKey(ctx context.Context, key *APIKey) (*LoginOutcome, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("username", key.Email)
	form.Set("client_id", key.ClientID)
	form.Set("client_secret", key.ClientSecret)
	form.Set("scope", "api")
	c.setDeviceFields(form)

	return c.token(ctx, key.Email, form)
}

// ResolveChallenge resubmits a login with the challenge response filled
// in. For a captcha challenge the response is the user's API key client
// secret (which bypasses it server-side); for two-factor it is the
// provider code. A bypass token carried by the challenge is applied
// automatically.
func (c *Client) ResolveChallenge(ctx context.Context, email, passwordHash string, challenge *AuthChallenge, opts LoginOptions) (*LoginOutcome, error) {
	if challenge.CaptchaBypassToken != "" && opts.CaptchaToken == "" {
		opts.CaptchaToken = challenge.CaptchaBypassToken
	}
	if challenge.IsCaptcha() && opts.CaptchaToken == "" {
		return nil, fmt.Errorf("captcha challenge requires a captcha token")
	}
	if !challenge.IsCaptcha() && opts.TwoFactor == nil {
		return nil, fmt.Errorf("two-factor challenge requires a code")
	}
	return c.LoginPassword(ctx, email, passwordHash, opts)
}

// RefreshToken exchanges the refresh token for a fresh access token. When
// apiKey is non-nil the session was established with an API key and is
// re-authenticated instead. An expired or revoked refresh token surfaces
// as ErrTokenExpired; the caller must treat that as a forced logout.
func (c *Client) RefreshToken(ctx context.Context, token *TokenData, apiKey *APIKey) (*TokenData, error) {
	if apiKey != nil {
		out, err := c.LoginAPIKey(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		return out.Token, nil
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token on file", ErrTokenExpired)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", token.RefreshToken)
	form.Set("client_id", "cli")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.server.IdentityBaseURL()+"connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.do(ctx, "token refresh", req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, res.Body)
		return nil, ErrTokenExpired
	}
	if err := checkStatus(res, "token refresh"); err != nil {
		return nil, err
	}

	fresh := &TokenData{IssuedAt: time.Now()}
	if err := json.NewDecoder(res.Body).Decode(fresh); err != nil {
		return nil, fmt.Errorf("decoding refresh response: %w", err)
	}
	return fresh.Merge(token), nil
}

// Sync fetches the full encrypted vault: ciphers, profile (organizations)
// and collections.
func (c *Client) Sync(ctx context.Context, accessToken string) (*SyncResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.server.APIBaseURL()+"sync?excludeDomains=true", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	res, err := c.do(ctx, "sync", req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, res.Body)
		return nil, ErrTokenExpired
	}
	if err := checkStatus(res, "sync"); err != nil {
		return nil, err
	}

	var sync SyncResponse
	if err := json.NewDecoder(res.Body).Decode(&sync); err != nil {
		return nil, fmt.Errorf("decoding sync response: %w", err)
	}
	c.log.Debug().Int("ciphers", len(sync.Ciphers)).
		Int("collections", len(sync.Collections)).
		Msg("vault synced")
	return &sync, nil
}

// token posts a grant request to connect/token and interprets the
// response: success, challenge, invalid credentials or rate limit.
func (c *Client) token(ctx context.Context, email string, form url.Values) (*LoginOutcome, error) {
	dt := strconv.Itoa(deviceType())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.server.IdentityBaseURL()+"connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// The production servers require these headers on token requests.
	req.Header.Set("auth-email", base64.URLEncoding.EncodeToString([]byte(email)))
	req.Header.Set("device-type", dt)
	req.Header.Set("Bitwarden-Client-Name", "cli")
	req.Header.Set("Bitwarden-Client-Version", ClientVersion)

	res, err := c.do(ctx, "login", req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, res.Body)
		return nil, &RateLimitError{RetryAfter: retryAfter(res)}
	}

	if res.StatusCode == http.StatusBadRequest {
		return parseLoginFailure(res.Body)
	}
	if err := checkStatus(res, "login"); err != nil {
		return nil, err
	}

	token := &TokenData{IssuedAt: time.Now()}
	if err := json.NewDecoder(res.Body).Decode(token); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	return &LoginOutcome{Token: token}, nil
}

// parseLoginFailure interprets a 400 from the token endpoint: a challenge
// signal or an invalid-credentials error model.
func parseLoginFailure(body io.Reader) (*LoginOutcome, error) {
	var payload struct {
		TwoFactorProviders []json.Number `json:"TwoFactorProviders"`
		CaptchaBypassToken string        `json:"CaptchaBypassToken"`
		HCaptchaSiteKey    string        `json:"HCaptcha_SiteKey"`
		ErrorModel         struct {
			Message string `json:"Message"`
		} `json:"ErrorModel"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding login error response: %w", err)
	}

	if len(payload.TwoFactorProviders) > 0 {
		ch := &AuthChallenge{CaptchaBypassToken: payload.CaptchaBypassToken}
		for _, p := range payload.TwoFactorProviders {
			n, err := p.Int64()
			if err != nil || n < 0 || n > int64(TwoFactorOrganizationDuo) {
				continue
			}
			ch.Providers = append(ch.Providers, TwoFactorProviderType(n))
		}
		if len(ch.Providers) == 0 {
			return nil, fmt.Errorf("two-factor required but no known provider offered")
		}
		return &LoginOutcome{Challenge: ch}, nil
	}

	if payload.HCaptchaSiteKey != "" {
		return &LoginOutcome{Challenge: &AuthChallenge{CaptchaSiteKey: payload.HCaptchaSiteKey}}, nil
	}

	msg := payload.ErrorModel.Message
	if msg == "" {
		msg = payload.ErrorDescription
	}
	if msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, msg)
	}
	return nil, ErrInvalidCredentials
}

func (c *Client) setDeviceFields(form url.Values) {
	form.Set("deviceName", deviceName())
	form.Set("deviceIdentifier", c.deviceID)
	form.Set("deviceType", strconv.Itoa(deviceType()))
}

func (c *Client) do(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "wden/"+ClientVersion)
	res, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.log.Warn().Err(err).Str("op", op).Msg("request failed")
		return nil, &NetworkError{Op: op, Err: err}
	}
	return res, nil
}

func checkStatus(res *http.Response, op string) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	if res.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, res.Body)
		return &RateLimitError{RetryAfter: retryAfter(res)}
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return fmt.Errorf("%s failed with status %d: %s", op, res.StatusCode, strings.TrimSpace(string(body)))
}

func retryAfter(res *http.Response) time.Duration {
	if v := res.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// RetryDelay computes the wait before retry number attempt (0-based) of a
// rate-limited or transiently failing call: exponential from 1s, capped
// at 60s, with jitter, never below the server-supplied floor.
func RetryDelay(attempt int, floor time.Duration) time.Duration {
	base := time.Second << uint(min(attempt, 6))
	if base > 60*time.Second {
		base = 60 * time.Second
	}
	d := base/2 + time.Duration(rand.Int63n(int64(base/2)+1))
	if d < floor {
		d = floor
	}
	return d
}

// SyncResponse is the decoded vault sync payload.
type SyncResponse struct {
	Ciphers     []VaultItem  `json:"ciphers"`
	Profile     SyncProfile  `json:"profile"`
	Collections []Collection `json:"collections"`
}

// SyncProfile is the profile slice of the sync payload.
type SyncProfile struct {
	Organizations []Organization `json:"organizations"`
}

// Organization is an org the user belongs to. Key is the org's symmetric
// key wrapped with the user's RSA public key.
type Organization struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Enabled bool         `json:"enabled"`
	Key     CipherString `json:"key"`
}

// Collection groups organization items. The name is encrypted under the
// organization key.
type Collection struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organizationId"`
	Name           CipherString `json:"name"`
}

// ItemKind is the vault item type tag.
type ItemKind int

const (
	KindLogin      ItemKind = 1
	KindSecureNote ItemKind = 2
	KindCard       ItemKind = 3
	KindIdentity   ItemKind = 4
)

func (k ItemKind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindSecureNote:
		return "secure note"
	case KindCard:
		return "card"
	case KindIdentity:
		return "identity"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// VaultItem is one encrypted vault record as delivered by sync. Field
// envelopes stay encrypted until the decryptor runs.
type VaultItem struct {
	ID             string        `json:"id"`
	Kind           ItemKind      `json:"type"`
	Name           CipherString  `json:"name"`
	Notes          CipherString  `json:"notes"`
	Login          *LoginData    `json:"login"`
	Card           *CardData     `json:"card"`
	Identity       *IdentityData `json:"identity"`
	Favorite       bool          `json:"favorite"`
	CollectionIDs  []string      `json:"collectionIds"`
	OrganizationID string        `json:"organizationId"`
	// Key is the item's own wrapped symmetric key, present on newer
	// items; see ResolveItemKeys.
	Key *CipherString `json:"key"`
}

// LoginData is the login-specific slice of an item.
type LoginData struct {
	Username CipherString `json:"username"`
	Password CipherString `json:"password"`
	URI      CipherString `json:"uri"`
	URIs     []LoginURI   `json:"uris"`
}

// LoginURI is one of a login item's URIs.
type LoginURI struct {
	URI CipherString `json:"uri"`
}

// CardData is the card-specific slice of an item.
type CardData struct {
	Brand          CipherString `json:"brand"`
	CardholderName CipherString `json:"cardholderName"`
	Code           CipherString `json:"code"`
	ExpMonth       CipherString `json:"expMonth"`
	ExpYear        CipherString `json:"expYear"`
	Number         CipherString `json:"number"`
}

// IdentityData is the identity-specific slice of an item.
type IdentityData struct {
	Title      CipherString `json:"title"`
	FirstName  CipherString `json:"firstName"`
	MiddleName CipherString `json:"middleName"`
	LastName   CipherString `json:"lastName"`
	Username   CipherString `json:"username"`
	Company    CipherString `json:"company"`
	Email      CipherString `json:"email"`
	Phone      CipherString `json:"phone"`
	SSN        CipherString `json:"ssn"`
	Address1   CipherString `json:"address1"`
	Address2   CipherString `json:"address2"`
	City       CipherString `json:"city"`
	State      CipherString `json:"state"`
	PostalCode CipherString `json:"postalCode"`
	Country    CipherString `json:"country"`
}
