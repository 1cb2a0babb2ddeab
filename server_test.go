package wden

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerConfigURLs(t *testing.T) {
	tests := []struct {
		name         string
		cfg          ServerConfig
		wantAPI      string
		wantIdentity string
	}{
		{
			"DefaultsToCloudUS",
			ServerConfig{},
			"https://api.bitwarden.com/",
			"https://identity.bitwarden.com/",
		},
		{
			"CloudEU",
			ServerConfig{Region: CloudEU},
			"https://api.bitwarden.eu/",
			"https://identity.bitwarden.eu/",
		},
		{
			"SelfHostedSingleURL",
			ServerConfig{URL: "https://vault.example.com"},
			"https://vault.example.com/api/",
			"https://vault.example.com/identity/",
		},
		{
			"SelfHostedTrailingSlash",
			ServerConfig{URL: "https://vault.example.com/"},
			"https://vault.example.com/api/",
			"https://vault.example.com/identity/",
		},
		{
			"SplitHosts",
			ServerConfig{APIURL: "https://api.example.com", IdentityURL: "https://id.example.com"},
			"https://api.example.com/",
			"https://id.example.com/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantAPI, tt.cfg.APIBaseURL())
			assert.Equal(t, tt.wantIdentity, tt.cfg.IdentityBaseURL())
		})
	}
}
