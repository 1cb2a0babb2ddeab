package wden

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points a client at a local test server acting as both the
// identity and API host.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ServerConfig{URL: server.URL}, "device-1")
}

func TestPrelogin(t *testing.T) {
	t.Run("Pbkdf2", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/identity/accounts/prelogin", r.URL.Path)
			require.Equal(t, http.MethodPost, r.Method)
			fmt.Fprint(w, `{"kdf": 0, "kdfIterations": 600000}`)
		}))

		cfg, err := client.Prelogin(context.Background(), testEmail)
		require.NoError(t, err)
		assert.Equal(t, KdfPbkdf2, cfg.Function)
		assert.Equal(t, uint32(600000), cfg.Iterations)
	})

	t.Run("Argon2id", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"kdf": 1, "kdfIterations": 3, "kdfMemory": 64, "kdfParallelism": 4}`)
		}))

		cfg, err := client.Prelogin(context.Background(), testEmail)
		require.NoError(t, err)
		assert.Equal(t, KdfArgon2id, cfg.Function)
		assert.Equal(t, uint32(64), cfg.MemoryMiB)
	})

	t.Run("UnknownKdf", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"kdf": 9, "kdfIterations": 1}`)
		}))

		_, err := client.Prelogin(context.Background(), testEmail)
		assert.ErrorIs(t, err, ErrUnsupportedKdf)
	})
}

func TestLoginPassword(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/identity/connect/token", r.URL.Path)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "password", r.PostForm.Get("grant_type"))
			assert.Equal(t, testEmail, r.PostForm.Get("username"))
			assert.Equal(t, "hash", r.PostForm.Get("password"))
			assert.Equal(t, "cli", r.PostForm.Get("client_id"))
			assert.Equal(t, "api offline_access", r.PostForm.Get("scope"))
			assert.Equal(t, "device-1", r.PostForm.Get("deviceIdentifier"))
			assert.NotEmpty(t, r.PostForm.Get("deviceType"))

			// Required device headers.
			email, err := base64.URLEncoding.DecodeString(r.Header.Get("auth-email"))
			require.NoError(t, err)
			assert.Equal(t, testEmail, string(email))
			assert.Equal(t, "cli", r.Header.Get("Bitwarden-Client-Name"))
			assert.Equal(t, ClientVersion, r.Header.Get("Bitwarden-Client-Version"))

			fmt.Fprintf(w, `{"access_token": "at", "refresh_token": "rt", "expires_in": 3600, "key": %q}`, testUserKeyCipherString)
		}))

		outcome, err := client.LoginPassword(context.Background(), testEmail, "hash", LoginOptions{})
		require.NoError(t, err)
		require.Nil(t, outcome.Challenge)
		require.NotNil(t, outcome.Token)
		assert.Equal(t, "at", outcome.Token.AccessToken)
		assert.False(t, outcome.Token.Key.IsEmpty())
	})

	t.Run("TwoFactorChallenge", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"TwoFactorProviders": [0, 1], "CaptchaBypassToken": "bypass"}`)
		}))

		outcome, err := client.LoginPassword(context.Background(), testEmail, "hash", LoginOptions{})
		require.NoError(t, err)
		require.NotNil(t, outcome.Challenge)
		assert.False(t, outcome.Challenge.IsCaptcha())
		assert.Equal(t, []TwoFactorProviderType{TwoFactorAuthenticator, TwoFactorEmail}, outcome.Challenge.Providers)
		assert.Equal(t, "bypass", outcome.Challenge.CaptchaBypassToken)
	})

	t.Run("TwoFactorSubmission", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "123456", r.PostForm.Get("twoFactorToken"))
			assert.Equal(t, "0", r.PostForm.Get("twoFactorProvider"))
			assert.Equal(t, "1", r.PostForm.Get("twoFactorRemember"))
			fmt.Fprint(w, `{"access_token": "at", "expires_in": 3600, "twoFactorToken": "remember-me"}`)
		}))

		outcome, err := client.LoginPassword(context.Background(), testEmail, "hash", LoginOptions{
			TwoFactor: &TwoFactorInput{Provider: TwoFactorAuthenticator, Token: "123456", Remember: true},
		})
		require.NoError(t, err)
		require.NotNil(t, outcome.Token)
		assert.Equal(t, "remember-me", outcome.Token.TwoFactorToken)
	})

	t.Run("CaptchaChallenge", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"HCaptcha_SiteKey": "site-key"}`)
		}))

		outcome, err := client.LoginPassword(context.Background(), testEmail, "hash", LoginOptions{})
		require.NoError(t, err)
		require.NotNil(t, outcome.Challenge)
		assert.True(t, outcome.Challenge.IsCaptcha())
		assert.Equal(t, "site-key", outcome.Challenge.CaptchaSiteKey)
	})

	t.Run("InvalidCredentials", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ErrorModel": {"Message": "Username or password is incorrect."}}`)
		}))

		_, err := client.LoginPassword(context.Background(), testEmail, "hash", LoginOptions{})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("RateLimited", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		}))

		_, err := client.LoginPassword(context.Background(), testEmail, "hash", LoginOptions{})
		var rateErr *RateLimitError
		require.ErrorAs(t, err, &rateErr)
		assert.Equal(t, 30*time.Second, rateErr.RetryAfter)
	})

	t.Run("TransportFailure", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		server.Close()
		client := NewClient(ServerConfig{URL: server.URL}, "device-1")

		_, err := client.LoginPassword(context.Background(), testEmail, "hash", LoginOptions{})
		var netErr *NetworkError
		assert.ErrorAs(t, err, &netErr)
	})
}

func TestLoginAPIKey(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "user.abc", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "api", r.PostForm.Get("scope"))
		fmt.Fprint(w, `{"access_token": "at", "expires_in": 3600, "kdf": 0, "kdfIterations": 100000}`)
	}))

	outcome, err := client.LoginAPIKey(context.Background(), &APIKey{
		Email:        testEmail,
		ClientID:     "user.abc",
		ClientSecret: "secret",
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Token)

	kdf, ok := outcome.Token.KdfConfig()
	require.True(t, ok)
	assert.Equal(t, KdfPbkdf2, kdf.Function)
	assert.Equal(t, uint32(100000), kdf.Iterations)
}

func TestResolveChallenge(t *testing.T) {
	t.Run("TwoFactorWithoutCodeRejected", func(t *testing.T) {
		client := newTestClient(t, http.NotFoundHandler())
		challenge := &AuthChallenge{Providers: []TwoFactorProviderType{TwoFactorAuthenticator}}
		_, err := client.ResolveChallenge(context.Background(), testEmail, "hash", challenge, LoginOptions{})
		assert.Error(t, err)
	})

	t.Run("CaptchaWithoutTokenRejected", func(t *testing.T) {
		client := newTestClient(t, http.NotFoundHandler())
		challenge := &AuthChallenge{CaptchaSiteKey: "site-key"}
		_, err := client.ResolveChallenge(context.Background(), testEmail, "hash", challenge, LoginOptions{})
		assert.Error(t, err)
	})

	t.Run("BypassTokenApplied", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "bypass", r.PostForm.Get("captchaResponse"))
			fmt.Fprint(w, `{"access_token": "at", "expires_in": 3600}`)
		}))

		challenge := &AuthChallenge{
			Providers:          []TwoFactorProviderType{TwoFactorAuthenticator},
			CaptchaBypassToken: "bypass",
		}
		outcome, err := client.ResolveChallenge(context.Background(), testEmail, "hash", challenge, LoginOptions{
			TwoFactor: &TwoFactorInput{Provider: TwoFactorAuthenticator, Token: "123456"},
		})
		require.NoError(t, err)
		assert.NotNil(t, outcome.Token)
	})
}

func TestRefreshToken(t *testing.T) {
	t.Run("MergesPartialResponse", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			assert.Equal(t, "rt-old", r.PostForm.Get("refresh_token"))
			fmt.Fprint(w, `{"access_token": "at-new", "refresh_token": "rt-new", "expires_in": 7200}`)
		}))

		key, err := ParseCipherString(testUserKeyCipherString)
		require.NoError(t, err)
		old := &TokenData{
			Key:          key,
			AccessToken:  "at-old",
			RefreshToken: "rt-old",
			ExpiresIn:    3600,
		}

		fresh, err := client.RefreshToken(context.Background(), old, nil)
		require.NoError(t, err)
		assert.Equal(t, "at-new", fresh.AccessToken)
		assert.Equal(t, "rt-new", fresh.RefreshToken)
		assert.Equal(t, 7200, fresh.ExpiresIn)
		// The wrapped key carries over from the old token.
		assert.Equal(t, key.String(), fresh.Key.String())
	})

	t.Run("RevokedToken", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "invalid_grant"}`)
		}))

		_, err := client.RefreshToken(context.Background(), &TokenData{RefreshToken: "rt"}, nil)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("NoRefreshToken", func(t *testing.T) {
		client := newTestClient(t, http.NotFoundHandler())
		_, err := client.RefreshToken(context.Background(), &TokenData{}, nil)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("APIKeyReauthenticates", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
			fmt.Fprint(w, `{"access_token": "at-new", "expires_in": 3600}`)
		}))

		fresh, err := client.RefreshToken(context.Background(), &TokenData{}, &APIKey{
			Email: testEmail, ClientID: "user.abc", ClientSecret: "secret",
		})
		require.NoError(t, err)
		assert.Equal(t, "at-new", fresh.AccessToken)
	})
}

func TestSync(t *testing.T) {
	t.Run("DecodesVault", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/sync", r.URL.Path)
			require.Equal(t, "true", r.URL.Query().Get("excludeDomains"))
			require.Equal(t, "Bearer at", r.Header.Get("Authorization"))
			fmt.Fprintf(w, `{
				"profile": {"email": %q, "organizations": []},
				"ciphers": [{"id": "c1", "type": 1, "name": %q, "login": {"password": %q}}],
				"collections": []
			}`, testEmail, testCipherString, testCipherString)
		}))

		sync, err := client.Sync(context.Background(), "at")
		require.NoError(t, err)
		require.Len(t, sync.Ciphers, 1)
		assert.Equal(t, "c1", sync.Ciphers[0].ID)
		assert.Equal(t, KindLogin, sync.Ciphers[0].Kind)
		assert.False(t, sync.Ciphers[0].Name.IsEmpty())
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))

		_, err := client.Sync(context.Background(), "at")
		assert.ErrorIs(t, err, ErrTokenExpired)
	})
}

func TestTokenData(t *testing.T) {
	t.Run("ShouldRefreshNearExpiry", func(t *testing.T) {
		token := &TokenData{ExpiresIn: 3600, IssuedAt: time.Now().Add(-59 * time.Minute)}
		assert.True(t, token.ShouldRefresh())
	})

	t.Run("FreshTokenNotRefreshed", func(t *testing.T) {
		token := &TokenData{ExpiresIn: 3600, IssuedAt: time.Now()}
		assert.False(t, token.ShouldRefresh())
	})

	t.Run("ExpiredHasZeroTimeToExpiry", func(t *testing.T) {
		token := &TokenData{ExpiresIn: 60, IssuedAt: time.Now().Add(-time.Hour)}
		assert.Equal(t, time.Duration(0), token.TimeToExpiry())
	})
}

func TestRetryDelay(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := RetryDelay(attempt, 0)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 60*time.Second)
	}

	// A server-supplied floor is honored.
	floor := 45 * time.Second
	assert.GreaterOrEqual(t, RetryDelay(0, floor), floor)
}

func TestCheckStatusBodyTruncated(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "backend exploded")
	}))

	_, err := client.Sync(context.Background(), "at")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend exploded")
	assert.False(t, errors.Is(err, ErrTokenExpired))
}
