package wden

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenData is the identity server's token response. The refresh endpoint
// returns a partial response; Merge carries the missing fields over from
// the previous token.
type TokenData struct {
	// Key is the user's wrapped symmetric vault key.
	Key CipherString `json:"key"`
	// PrivateKey is the user's wrapped RSA private key (PKCS#8 DER under
	// the symmetric key), needed for organization items.
	PrivateKey     CipherString `json:"privateKey"`
	AccessToken    string       `json:"access_token"`
	ExpiresIn      int          `json:"expires_in"`
	RefreshToken   string       `json:"refresh_token"`
	TwoFactorToken string       `json:"twoFactorToken"`

	// KDF parameters are present when authenticating with an API key,
	// replacing the prelogin call.
	KdfFunction    *KdfFunction `json:"kdf"`
	KdfIterations  uint32       `json:"kdfIterations"`
	KdfMemoryMiB   uint32       `json:"kdfMemory"`
	KdfParallelism uint32       `json:"kdfParallelism"`

	IssuedAt time.Time `json:"-"`
}

// KdfConfig returns the KDF parameters bundled with the token, if any.
func (t *TokenData) KdfConfig() (KdfConfig, bool) {
	if t.KdfFunction == nil {
		return KdfConfig{}, false
	}
	return KdfConfig{
		Function:    *t.KdfFunction,
		Iterations:  t.KdfIterations,
		MemoryMiB:   t.KdfMemoryMiB,
		Parallelism: t.KdfParallelism,
	}, true
}

// ExpiresAt returns the access token expiry. The exp claim inside the JWT
// is authoritative; expires_in relative to the receive time is the
// fallback. The token is not signature-checked here, the server did that.
func (t *TokenData) ExpiresAt() time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// TimeToExpiry returns the remaining access token lifetime, zero when
// already expired.
func (t *TokenData) TimeToExpiry() time.Duration {
	d := time.Until(t.ExpiresAt())
	if d < 0 {
		return 0
	}
	return d
}

// ShouldRefresh reports whether the access token is close enough to
// expiry that it should be refreshed now: under 20% of the granted
// lifetime remaining, and never later than 4 minutes before expiry.
func (t *TokenData) ShouldRefresh() bool {
	margin := time.Duration(t.ExpiresIn) * time.Second / 5
	if margin < 4*time.Minute {
		margin = 4 * time.Minute
	}
	return t.TimeToExpiry() < margin
}

// Merge fills in the fields the refresh response omits from the previous
// token, returning a complete token.
func (t *TokenData) Merge(old *TokenData) *TokenData {
	merged := *old
	merged.AccessToken = t.AccessToken
	merged.RefreshToken = t.RefreshToken
	merged.ExpiresIn = t.ExpiresIn
	merged.IssuedAt = t.IssuedAt
	return &merged
}

// Session is the authenticated connection state for one profile.
type Session struct {
	Email    string
	DeviceID string
	Token    *TokenData
}
