package tracksync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// TokenProvider is what the orchestrator needs from the token lifecycle:
// a usable bearer for the workspace, and a single forced rotation after
// the tracker rejected the token it was handed.
type TokenProvider interface {
	EnsureValidToken(ctx context.Context) (string, error)
	RefreshAfterUnauthorized(ctx context.Context, rejectedToken string) (string, error)
}

type TokenManagerOptions struct {
	Credentials CredentialStore
	OAuth       OAuthClient
	Config      func() OAuthAppConfig
	Now         func() time.Time
}

// TokenManager owns the credential lifecycle for one provider: connect,
// expiry checks, refresh, disconnect. Refresh is serialized process-wide
// so a racing second caller joins the in-flight rotation instead of
// burning the refresh token twice.
type TokenManager struct {
	creds CredentialStore
	oauth OAuthClient
	cfg   func() OAuthAppConfig
	now   func() time.Time

	refreshMu sync.Mutex
}

func NewTokenManager(opts TokenManagerOptions) *TokenManager {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = func() OAuthAppConfig { return OAuthAppConfig{} }
	}
	oauthClient := opts.OAuth
	if oauthClient == nil {
		oauthClient = NewHTTPOAuthClient(HTTPOAuthClientOptions{})
	}
	creds := opts.Credentials
	if creds == nil {
		creds = NewInMemoryCredentialStore()
	}
	return &TokenManager{
		creds: creds,
		oauth: oauthClient,
		cfg:   cfg,
		now:   now,
	}
}

func (m *TokenManager) provider() string {
	return strings.TrimSpace(m.cfg().Provider)
}

// EnsureValidToken returns a usable access token, refreshing and
// persisting first when the stored one expired. The unexpired path makes
// no network call.
func (m *TokenManager) EnsureValidToken(ctx context.Context) (string, error) {
	cred, err := m.creds.Credential(ctx, m.provider())
	if err != nil {
		if err == ErrNotFound {
			return "", ErrNoActiveWorkspace
		}
		return "", err
	}
	switch cred.State {
	case StateActive:
	case StateExpired:
		return "", ErrAuthExpired
	default:
		return "", ErrNoActiveWorkspace
	}
	if !cred.Expired(m.now()) {
		return cred.AccessToken, nil
	}
	return m.refresh(ctx, "")
}

// RefreshAfterUnauthorized rotates the credential after the tracker
// rejected rejectedToken. If another caller already rotated past it, the
// current token is returned without a second refresh call.
func (m *TokenManager) RefreshAfterUnauthorized(ctx context.Context, rejectedToken string) (string, error) {
	return m.refresh(ctx, rejectedToken)
}

// refresh serializes all rotation under refreshMu. rejectedToken, when
// non-empty, forces rotation even if the stored expiry still looks valid;
// an empty rejectedToken only rotates when the credential is expired.
func (m *TokenManager) refresh(ctx context.Context, rejectedToken string) (string, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Re-read under the lock: a concurrent caller may have finished the
	// rotation while we waited, in which case we join its result.
	cred, err := m.creds.Credential(ctx, m.provider())
	if err != nil {
		if err == ErrNotFound {
			return "", ErrNoActiveWorkspace
		}
		return "", err
	}
	if cred.State == StateExpired {
		return "", ErrAuthExpired
	}
	if cred.State != StateActive {
		return "", ErrNoActiveWorkspace
	}
	if rejectedToken != "" {
		if cred.AccessToken != rejectedToken && !cred.Expired(m.now()) {
			return cred.AccessToken, nil
		}
	} else if !cred.Expired(m.now()) {
		return cred.AccessToken, nil
	}

	if strings.TrimSpace(cred.RefreshToken) == "" {
		cred.State = StateExpired
		if saveErr := m.creds.SaveCredential(ctx, cred); saveErr != nil {
			return "", saveErr
		}
		return "", ErrAuthExpired
	}

	grant, err := m.oauth.Refresh(ctx, m.cfg(), cred.RefreshToken)
	if err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		// Tokens are retained for diagnostics; only the state changes.
		cred.State = StateExpired
		if saveErr := m.creds.SaveCredential(ctx, cred); saveErr != nil {
			return "", saveErr
		}
		return "", fmt.Errorf("refresh failed: %v: %w", err, ErrAuthExpired)
	}

	now := m.now()
	cred.AccessToken = grant.AccessToken
	if strings.TrimSpace(grant.RefreshToken) != "" {
		cred.RefreshToken = grant.RefreshToken
	}
	if strings.TrimSpace(grant.TokenType) != "" {
		cred.TokenType = grant.TokenType
	}
	if strings.TrimSpace(grant.Scope) != "" {
		cred.Scope = grant.Scope
	}
	cred.IssuedAt = now
	cred.ExpiresIn = grant.ExpiresIn
	if grant.ExpiresIn > 0 {
		cred.AbsoluteExpiry = now.Add(time.Duration(grant.ExpiresIn) * time.Second)
	} else {
		cred.AbsoluteExpiry = time.Time{}
	}
	cred.State = StateActive

	// Persist before returning so a crash after refresh never loses the
	// rotated tokens.
	if err := m.creds.SaveCredential(ctx, cred); err != nil {
		return "", err
	}
	refreshTotal.WithLabelValues("ok").Inc()
	return cred.AccessToken, nil
}

// Connect exchanges an authorization code and stores the grant as the
// provider's active credential.
func (m *TokenManager) Connect(ctx context.Context, code, workspaceID string) (WorkspaceCredential, error) {
	cfg := m.cfg()
	grant, err := m.oauth.ExchangeCode(ctx, cfg, code)
	if err != nil {
		return WorkspaceCredential{}, err
	}
	now := m.now()
	cred := WorkspaceCredential{
		Provider:     cfg.Provider,
		WorkspaceID:  strings.TrimSpace(workspaceID),
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		TokenType:    grant.TokenType,
		Scope:        grant.Scope,
		IssuedAt:     now,
		ExpiresIn:    grant.ExpiresIn,
		State:        StateActive,
	}
	if grant.ExpiresIn > 0 {
		cred.AbsoluteExpiry = now.Add(time.Duration(grant.ExpiresIn) * time.Second)
	}
	if err := m.creds.SaveCredential(ctx, cred); err != nil {
		return WorkspaceCredential{}, err
	}
	return cred, nil
}

// Disconnect clears the tokens and transitions the credential to
// disconnected. The row is kept.
func (m *TokenManager) Disconnect(ctx context.Context) error {
	cred, err := m.creds.Credential(ctx, m.provider())
	if err != nil {
		return err
	}
	cred.AccessToken = ""
	cred.RefreshToken = ""
	cred.AbsoluteExpiry = time.Time{}
	cred.ExpiresIn = 0
	cred.State = StateDisconnected
	return m.creds.SaveCredential(ctx, cred)
}

// Connection returns the stored credential for status reporting.
func (m *TokenManager) Connection(ctx context.Context) (WorkspaceCredential, error) {
	return m.creds.Credential(ctx, m.provider())
}

// AuthorizationURL exposes the connect URL for the current app config.
func (m *TokenManager) AuthorizationURL(state string) string {
	return m.cfg().AuthorizationURL(state)
}
