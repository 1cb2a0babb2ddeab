// Package profile stores per-account client configuration: server
// location, device identity, cached KDF parameters and the remembered
// second-factor token. Profiles hold no vault plaintext; the only secret
// material is the API key envelope, which is encrypted under keys derived
// from the master password.
package profile

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	wden "github.com/luryus/wden"
)

// CurrentVersion is the profile file format version written by this
// release.
const CurrentVersion = 1

// Data is the persisted state of one profile.
type Data struct {
	Version int `json:"version" yaml:"version" mapstructure:"version"`

	// Email is the account the profile belongs to.
	Email string `json:"email" yaml:"email" mapstructure:"email"`

	// DeviceID is generated once per profile and sent with every login,
	// so the server can tie remembered two-factor tokens to it.
	DeviceID string `json:"device_id" yaml:"device_id" mapstructure:"device_id"`

	// Server locates the Bitwarden-compatible endpoints.
	Server wden.ServerConfig `json:"server" yaml:"server" mapstructure:"server"`

	// Kdf caches the account's KDF parameters from the last prelogin so
	// offline unlock does not need the server.
	Kdf *wden.KdfConfig `json:"kdf,omitempty" yaml:"kdf,omitempty" mapstructure:"kdf"`

	// TwoFactorToken is the remembered device token (provider type 5),
	// set when the user asked to skip future two-factor prompts.
	TwoFactorToken string `json:"two_factor_token,omitempty" yaml:"two_factor_token,omitempty" mapstructure:"two_factor_token"`

	// APIKey is the account's client credential pair, encrypted at rest
	// under keys derived from the master password.
	APIKey *wden.EncryptedAPIKey `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`

	// Options are the client behavior switches for this profile.
	Options wden.Options `json:"options" yaml:"options" mapstructure:"options"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at" mapstructure:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at" mapstructure:"updated_at"`
}

// New creates profile data for an account with a fresh device identity
// and default options.
func New(email string, server wden.ServerConfig) *Data {
	now := time.Now().UTC()
	return &Data{
		Version:   CurrentVersion,
		Email:     email,
		DeviceID:  uuid.NewString(),
		Server:    server,
		Options:   wden.DefaultOptions(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks invariants that must hold for any loaded profile.
func (d *Data) Validate() error {
	if d.Email == "" {
		return fmt.Errorf("profile has no email")
	}
	if d.DeviceID == "" {
		return fmt.Errorf("profile has no device id")
	}
	if _, err := uuid.Parse(d.DeviceID); err != nil {
		return fmt.Errorf("profile device id is not a UUID: %w", err)
	}
	if d.Kdf != nil {
		if err := d.Kdf.Validate(); err != nil {
			return fmt.Errorf("cached KDF parameters: %w", err)
		}
	}
	return nil
}
