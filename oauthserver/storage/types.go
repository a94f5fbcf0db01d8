// Package storage provides storage interfaces and implementations for the
// embedded OAuth authorization server.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/handler/pkce"
)

var (
	// ErrNotFound is returned when a stored record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExpired is returned when a stored record exists but has expired.
	ErrExpired = errors.New("expired")
)

// Default TTLs applied when a requester carries no expiry of its own.
const (
	DefaultAuthCodeTTL     = 10 * time.Minute
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	DefaultPKCETTL         = 10 * time.Minute
	DefaultPendingAuthTTL  = 10 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
)

// UpstreamTokens are the tokens obtained from an upstream identity provider,
// stored with binding fields checked on lookup.
type UpstreamTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`

	// Subject is the user identifier asserted by the upstream IDP. Checked
	// against the downstream token's sub claim on lookup.
	Subject string `json:"subject,omitempty"`

	// ClientID is the downstream OAuth client that initiated the flow.
	ClientID string `json:"client_id,omitempty"`
}

// IsExpired reports whether the upstream access token has expired.
func (t *UpstreamTokens) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// PendingAuthorization tracks a client's authorization request while the
// resource owner authenticates with the upstream IDP.
type PendingAuthorization struct {
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri"`
	State         string    `json:"state"`
	PKCEChallenge string    `json:"pkce_challenge,omitempty"`
	PKCEMethod    string    `json:"pkce_method,omitempty"`
	Scopes        []string  `json:"scopes,omitempty"`
	InternalState string    `json:"internal_state"`
	PKCEVerifier  string    `json:"pkce_verifier,omitempty"` // upstream PKCE verifier
	Nonce         string    `json:"nonce,omitempty"`         // upstream OIDC nonce
	CreatedAt     time.Time `json:"created_at"`
}

// Storage combines the fosite storage interfaces with the authorization
// server's own bookkeeping: upstream token links, pending authorizations,
// and client registration.
type Storage interface {
	fosite.ClientManager
	oauth2.AuthorizeCodeStorage
	oauth2.AccessTokenStorage
	oauth2.RefreshTokenStorage
	oauth2.TokenRevocationStorage
	pkce.PKCERequestStorage

	RegisterClient(ctx context.Context, client fosite.Client) error

	StoreUpstreamTokens(ctx context.Context, sessionID string, tokens *UpstreamTokens) error
	GetUpstreamTokens(ctx context.Context, sessionID string) (*UpstreamTokens, error)
	DeleteUpstreamTokens(ctx context.Context, sessionID string) error

	StorePendingAuthorization(ctx context.Context, state string, pending *PendingAuthorization) error
	LoadPendingAuthorization(ctx context.Context, state string) (*PendingAuthorization, error)
	DeletePendingAuthorization(ctx context.Context, state string) error

	Close() error
}
