// Package oauthcfg loads the OAuth application registration from a JSON
// file or from the environment and keeps it current while the process
// runs.
package oauthcfg

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/prodg-xyz/tracksync/internal/tracksync"
)

// Load reads the registration from path. The file is a single JSON
// object matching tracksync.OAuthAppConfig.
func Load(path string) (tracksync.OAuthAppConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return tracksync.OAuthAppConfig{}, fmt.Errorf("oauth config path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return tracksync.OAuthAppConfig{}, fmt.Errorf("read oauth config: %w", err)
	}
	var cfg tracksync.OAuthAppConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return tracksync.OAuthAppConfig{}, fmt.Errorf("parse oauth config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return tracksync.OAuthAppConfig{}, fmt.Errorf("oauth config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv builds the registration from TRACKSYNC_OAUTH_* variables.
// Used when no config file is given.
func FromEnv() (tracksync.OAuthAppConfig, error) {
	cfg := tracksync.OAuthAppConfig{
		Provider:     strings.TrimSpace(os.Getenv("TRACKSYNC_OAUTH_PROVIDER")),
		AuthorizeURL: strings.TrimSpace(os.Getenv("TRACKSYNC_OAUTH_AUTHORIZE_URL")),
		TokenURL:     strings.TrimSpace(os.Getenv("TRACKSYNC_OAUTH_TOKEN_URL")),
		ClientID:     strings.TrimSpace(os.Getenv("TRACKSYNC_OAUTH_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("TRACKSYNC_OAUTH_CLIENT_SECRET")),
		RedirectURI:  strings.TrimSpace(os.Getenv("TRACKSYNC_OAUTH_REDIRECT_URI")),
	}
	if scopes := strings.TrimSpace(os.Getenv("TRACKSYNC_OAUTH_SCOPES")); scopes != "" {
		cfg.Scopes = strings.Fields(scopes)
	}
	if err := cfg.Validate(); err != nil {
		return tracksync.OAuthAppConfig{}, err
	}
	return cfg, nil
}
