// Package idp implements upstream identity-provider federation for the
// embedded authorization server. The OIDC provider discovers endpoints,
// drives the upstream authorization-code flow with PKCE, and validates ID
// tokens including the nonce.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var (
	// ErrNonceMismatch is returned when the ID token nonce does not match
	// the value sent in the authorization request.
	ErrNonceMismatch = errors.New("id token nonce mismatch")
	// ErrNonceMissing is returned when a nonce was sent but the ID token
	// carries none.
	ErrNonceMissing = errors.New("id token missing expected nonce")
	// ErrNoIDToken is returned when the upstream token response lacks an
	// ID token.
	ErrNoIDToken = errors.New("upstream token response missing id_token")
)

// Tokens are the raw tokens obtained from the upstream provider.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// Identity is the validated outcome of a code exchange: the upstream
// subject plus profile claims from the ID token.
type Identity struct {
	Subject string
	Email   string
	Name    string
	Tokens  Tokens
}

// Config configures an OIDC upstream provider.
type Config struct {
	// Issuer is the upstream issuer URL; endpoints are discovered from
	// {Issuer}/.well-known/openid-configuration.
	Issuer       string
	ClientID     string
	ClientSecret string
	// RedirectURI is our callback, typically {our issuer}/oauth/callback.
	RedirectURI string
	// Scopes defaults to openid, profile, email.
	Scopes []string
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("upstream issuer is required")
	}
	if _, err := url.Parse(c.Issuer); err != nil {
		return fmt.Errorf("invalid upstream issuer: %w", err)
	}
	if c.ClientID == "" {
		return errors.New("upstream client id is required")
	}
	if c.RedirectURI == "" {
		return errors.New("upstream redirect uri is required")
	}
	for _, s := range c.Scopes {
		if strings.ContainsAny(s, " \t\n") {
			return fmt.Errorf("invalid scope %q", s)
		}
	}
	return nil
}

// OIDCProvider federates login to an OIDC-compliant upstream.
type OIDCProvider struct {
	cfg      Config
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	logger   *zap.Logger
}

// Option configures an OIDCProvider.
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// WithHTTPClient sets the HTTP client used for discovery and token
// exchange.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithLogger sets the provider logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// NewOIDCProvider discovers the upstream's endpoints and builds a provider.
func NewOIDCProvider(ctx context.Context, cfg Config, opts ...Option) (*OIDCProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream config: %w", err)
	}

	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	if !containsScope(scopes, oidc.ScopeOpenID) {
		return nil, errors.New("openid scope is required for an OIDC upstream")
	}

	if o.httpClient != nil {
		ctx = oidc.ClientContext(ctx, o.httpClient)
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover upstream endpoints: %w", err)
	}

	endpoint := provider.Endpoint()
	// Send client credentials in the request body for consistent behavior
	// across IDP implementations.
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	p := &OIDCProvider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		logger:   o.logger,
	}

	p.logger.Debug("oidc upstream provider ready",
		zap.String("issuer", cfg.Issuer),
		zap.Strings("scopes", scopes),
	)
	return p, nil
}

// Name identifies the provider in logs and amr metadata.
func (p *OIDCProvider) Name() string {
	return p.cfg.Issuer
}

// AuthorizationURL builds the upstream authorization redirect with state,
// S256 PKCE challenge, and nonce.
func (p *OIDCProvider) AuthorizationURL(state, pkceVerifier, nonce string) (string, error) {
	if state == "" {
		return "", errors.New("state is required")
	}

	authOpts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(pkceVerifier),
	}
	if nonce != "" {
		authOpts = append(authOpts, oidc.Nonce(nonce))
	}
	return p.oauth.AuthCodeURL(state, authOpts...), nil
}

// Exchange trades the upstream authorization code for tokens, verifies the
// ID token, and checks the nonce. The returned identity's subject is the
// upstream sub claim.
func (p *OIDCProvider) Exchange(ctx context.Context, code, pkceVerifier, nonce string) (*Identity, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(pkceVerifier))
	if err != nil {
		return nil, fmt.Errorf("exchange upstream code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrNoIDToken
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}
	if nonce != "" {
		if idToken.Nonce == "" {
			return nil, ErrNonceMissing
		}
		if idToken.Nonce != nonce {
			return nil, ErrNonceMismatch
		}
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		p.logger.Warn("id token profile claims unreadable", zap.Error(err))
	}

	return &Identity{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Tokens: Tokens{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			IDToken:      rawIDToken,
			ExpiresAt:    token.Expiry,
		},
	}, nil
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
