package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(issuer string) Config {
	return Config{
		Issuer:      issuer,
		ClientID:    "downstream-client",
		RedirectURI: "https://auth.example.com/oauth/callback",
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing issuer", func(c *Config) { c.Issuer = "" }},
		{"missing client id", func(c *Config) { c.ClientID = "" }},
		{"missing redirect uri", func(c *Config) { c.RedirectURI = "" }},
		{"scope with whitespace", func(c *Config) { c.Scopes = []string{"openid", "bad scope"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig("https://idp.example.com")
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := validConfig("https://idp.example.com")
	assert.NoError(t, cfg.Validate())
}

// fakeIDP serves just enough OIDC discovery metadata for NewOIDCProvider.
func fakeIDP(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
			"jwks_uri":               srv.URL + "/keys",
		})
	})
	return srv
}

func TestNewOIDCProviderRequiresOpenIDScope(t *testing.T) {
	srv := fakeIDP(t)

	cfg := validConfig(srv.URL)
	cfg.Scopes = []string{"profile", "email"}

	_, err := NewOIDCProvider(context.Background(), cfg, WithHTTPClient(srv.Client()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openid")
}

func TestAuthorizationURLCarriesStatePKCEAndNonce(t *testing.T) {
	srv := fakeIDP(t)

	p, err := NewOIDCProvider(context.Background(), validConfig(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	assert.Equal(t, srv.URL, p.Name())

	raw, err := p.AuthorizationURL("state-1", "verifier-verifier-verifier-verifier-123", "nonce-1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, srv.URL+"/authorize"), raw)

	q := u.Query()
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "nonce-1", q.Get("nonce"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "downstream-client", q.Get("client_id"))
	assert.Equal(t, "https://auth.example.com/oauth/callback", q.Get("redirect_uri"))
	assert.Contains(t, q.Get("scope"), "openid")
}

func TestAuthorizationURLRequiresState(t *testing.T) {
	srv := fakeIDP(t)

	p, err := NewOIDCProvider(context.Background(), validConfig(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = p.AuthorizationURL("", "verifier", "")
	assert.Error(t, err)
}
