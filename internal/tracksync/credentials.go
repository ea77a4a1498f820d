package tracksync

import (
	"context"
	"strings"
	"sync"
	"time"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateActive       ConnectionState = "active"
	StateExpired      ConnectionState = "expired"
)

// WorkspaceCredential is the durable record of one external workspace's
// OAuth grant. One live row per provider; tokens are cleared but the row
// is kept on disconnect.
type WorkspaceCredential struct {
	Provider       string          `json:"provider"`
	WorkspaceID    string          `json:"workspaceId"`
	AccessToken    string          `json:"accessToken"`
	RefreshToken   string          `json:"refreshToken"`
	TokenType      string          `json:"tokenType"`
	Scope          string          `json:"scope"`
	IssuedAt       time.Time       `json:"issuedAt"`
	ExpiresIn      int64           `json:"expiresIn,omitempty"`
	AbsoluteExpiry time.Time       `json:"absoluteExpiry,omitempty"`
	State          ConnectionState `json:"state"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Expired reports whether the stored access token is unusable at now.
// Absolute expiry is authoritative when both it and a relative TTL are
// recorded; the relative TTL only applies when no absolute expiry exists.
// A credential that recorded neither is treated as expired.
func (c WorkspaceCredential) Expired(now time.Time) bool {
	if strings.TrimSpace(c.AccessToken) == "" {
		return true
	}
	if !c.AbsoluteExpiry.IsZero() {
		return !now.Before(c.AbsoluteExpiry)
	}
	if c.ExpiresIn > 0 && !c.IssuedAt.IsZero() {
		return !now.Before(c.IssuedAt.Add(time.Duration(c.ExpiresIn) * time.Second))
	}
	return true
}

// CredentialStore persists workspace credentials keyed by provider.
type CredentialStore interface {
	Credential(ctx context.Context, provider string) (WorkspaceCredential, error)
	SaveCredential(ctx context.Context, cred WorkspaceCredential) error
}

type InMemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]WorkspaceCredential
}

func NewInMemoryCredentialStore() *InMemoryCredentialStore {
	return &InMemoryCredentialStore{creds: map[string]WorkspaceCredential{}}
}

func (s *InMemoryCredentialStore) Credential(ctx context.Context, provider string) (WorkspaceCredential, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return WorkspaceCredential{}, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[provider]
	if !ok {
		return WorkspaceCredential{}, ErrNotFound
	}
	return cred, nil
}

func (s *InMemoryCredentialStore) SaveCredential(ctx context.Context, cred WorkspaceCredential) error {
	if strings.TrimSpace(cred.Provider) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred.UpdatedAt = time.Now().UTC()
	s.creds[cred.Provider] = cred
	return nil
}
