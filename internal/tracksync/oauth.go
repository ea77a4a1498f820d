package tracksync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuthAppConfig is the OAuth application registration for one provider,
// supplied once at credential-acquisition time.
type OAuthAppConfig struct {
	Provider     string   `json:"provider"`
	AuthorizeURL string   `json:"authorizeUrl"`
	TokenURL     string   `json:"tokenUrl"`
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	RedirectURI  string   `json:"redirectUri"`
	Scopes       []string `json:"scopes,omitempty"`
}

func (c OAuthAppConfig) Validate() error {
	if strings.TrimSpace(c.Provider) == "" {
		return fmt.Errorf("oauth config: provider is required")
	}
	if strings.TrimSpace(c.TokenURL) == "" {
		return fmt.Errorf("oauth config: tokenUrl is required")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("oauth config: clientId is required")
	}
	return nil
}

// AuthorizationURL builds the authorization-code grant URL for the
// operator-facing connect flow.
func (c OAuthAppConfig) AuthorizationURL(state string) string {
	values := url.Values{}
	values.Set("response_type", "code")
	values.Set("client_id", c.ClientID)
	if c.RedirectURI != "" {
		values.Set("redirect_uri", c.RedirectURI)
	}
	if len(c.Scopes) > 0 {
		values.Set("scope", strings.Join(c.Scopes, " "))
	}
	if state != "" {
		values.Set("state", state)
	}
	base := strings.TrimRight(strings.TrimSpace(c.AuthorizeURL), "?")
	return base + "?" + values.Encode()
}

// TokenGrant is the provider's response to a token-endpoint call.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

// OAuthClient performs token-endpoint calls against the external provider.
type OAuthClient interface {
	ExchangeCode(ctx context.Context, cfg OAuthAppConfig, code string) (TokenGrant, error)
	Refresh(ctx context.Context, cfg OAuthAppConfig, refreshToken string) (TokenGrant, error)
}

type HTTPOAuthClientOptions struct {
	HTTPClient *http.Client
}

type HTTPOAuthClient struct {
	httpClient *http.Client
}

func NewHTTPOAuthClient(opts HTTPOAuthClientOptions) *HTTPOAuthClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPOAuthClient{httpClient: httpClient}
}

func (c *HTTPOAuthClient) ExchangeCode(ctx context.Context, cfg OAuthAppConfig, code string) (TokenGrant, error) {
	if strings.TrimSpace(code) == "" {
		return TokenGrant{}, ErrInvalidInput
	}
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	if cfg.RedirectURI != "" {
		data.Set("redirect_uri", cfg.RedirectURI)
	}
	return c.requestToken(ctx, cfg, data)
}

func (c *HTTPOAuthClient) Refresh(ctx context.Context, cfg OAuthAppConfig, refreshToken string) (TokenGrant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenGrant{}, ErrInvalidInput
	}
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	return c.requestToken(ctx, cfg, data)
}

func (c *HTTPOAuthClient) requestToken(ctx context.Context, cfg OAuthAppConfig, data url.Values) (TokenGrant, error) {
	if err := cfg.Validate(); err != nil {
		return TokenGrant{}, err
	}
	data.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		data.Set("client_secret", cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return TokenGrant{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenGrant{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenGrant{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		var parsed struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
			message = parsed.Error
			if parsed.Description != "" {
				message += ": " + parsed.Description
			}
		}
		return TokenGrant{}, fmt.Errorf("token endpoint failed: status=%d message=%s", resp.StatusCode, message)
	}

	var grant TokenGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return TokenGrant{}, fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(grant.AccessToken) == "" {
		return TokenGrant{}, fmt.Errorf("token endpoint returned no access token")
	}
	return grant, nil
}
