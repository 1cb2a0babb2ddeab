package wden

import (
	"fmt"
	"strings"
)

const (
	bitwardenCloudUSAPI      = "https://api.bitwarden.com/"
	bitwardenCloudUSIdentity = "https://identity.bitwarden.com/"
	bitwardenCloudEUAPI      = "https://api.bitwarden.eu/"
	bitwardenCloudEUIdentity = "https://identity.bitwarden.eu/"
)

// CloudRegion selects a Bitwarden cloud deployment.
type CloudRegion string

const (
	CloudUS CloudRegion = "us"
	CloudEU CloudRegion = "eu"
)

// ServerConfig points the client at a server deployment. Exactly one of
// the three shapes is in effect: a cloud region (default US), a single
// self-hosted base URL serving /api/ and /identity/, or split api and
// identity hosts.
type ServerConfig struct {
	Region      CloudRegion `json:"region,omitempty" yaml:"region,omitempty" mapstructure:"region"`
	URL         string      `json:"url,omitempty" yaml:"url,omitempty" mapstructure:"url"`
	APIURL      string      `json:"api_url,omitempty" yaml:"api_url,omitempty" mapstructure:"api_url"`
	IdentityURL string      `json:"identity_url,omitempty" yaml:"identity_url,omitempty" mapstructure:"identity_url"`
}

// DefaultServerConfig is Bitwarden Cloud US.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Region: CloudUS}
}

// APIBaseURL returns the base URL for vault API calls, with a trailing
// slash.
func (c ServerConfig) APIBaseURL() string {
	switch {
	case c.APIURL != "":
		return withTrailingSlash(c.APIURL)
	case c.URL != "":
		return withTrailingSlash(c.URL) + "api/"
	case c.Region == CloudEU:
		return bitwardenCloudEUAPI
	default:
		return bitwardenCloudUSAPI
	}
}

// IdentityBaseURL returns the base URL for identity calls, with a
// trailing slash.
func (c ServerConfig) IdentityBaseURL() string {
	switch {
	case c.IdentityURL != "":
		return withTrailingSlash(c.IdentityURL)
	case c.URL != "":
		return withTrailingSlash(c.URL) + "identity/"
	case c.Region == CloudEU:
		return bitwardenCloudEUIdentity
	default:
		return bitwardenCloudUSIdentity
	}
}

func (c ServerConfig) String() string {
	switch {
	case c.APIURL != "":
		return fmt.Sprintf("%s, %s", c.APIURL, c.IdentityURL)
	case c.URL != "":
		return c.URL
	case c.Region == CloudEU:
		return "Bitwarden Cloud (EU)"
	default:
		return "Bitwarden Cloud (US)"
	}
}

func withTrailingSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
