package oauthserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/amlume/authkit/oauthserver/idp"
	"github.com/amlume/authkit/oauthserver/storage"
)

func newFakeUpstream(t *testing.T) *httptest.Server {
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
			"jwks_uri":               srv.URL + "/jwks",
		})
	})
	return srv
}

func TestAuthorizeRedirectsToUpstreamAndPersistsPending(t *testing.T) {
	ctx := context.Background()
	fake := newFakeUpstream(t)

	upstream, err := idp.NewOIDCProvider(ctx, idp.Config{
		Issuer:      fake.URL,
		ClientID:    "up-client",
		RedirectURI: "https://auth.example.com/oauth/callback",
		Scopes:      []string{"openid"},
	})
	require.NoError(t, err)

	cfg := testServerConfig(t)
	cfg.Clients = []ClientConfig{
		{
			ID:           "native-app",
			Public:       true,
			RedirectURIs: []string{"http://127.0.0.1:9999/callback"},
		},
	}

	stor := storage.NewMemoryStorage(storage.WithCleanupInterval(time.Hour))
	srv, err := New(ctx, cfg, stor, WithUpstream(upstream))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {"native-app"},
		"redirect_uri":          {"http://127.0.0.1:9999/callback"},
		"state":                 {"client-state-123"},
		"scope":                 {"openid"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.AuthorizeHandler(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, fake.URL+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)

	internalState := loc.Query().Get("state")
	require.NotEmpty(t, internalState)
	assert.NotEqual(t, "client-state-123", internalState)
	assert.NotEmpty(t, loc.Query().Get("nonce"))
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))

	pending, err := stor.LoadPendingAuthorization(ctx, internalState)
	require.NoError(t, err)
	assert.Equal(t, "native-app", pending.ClientID)
	assert.Equal(t, "client-state-123", pending.State)
	assert.Equal(t, "http://127.0.0.1:9999/callback", pending.RedirectURI)
	assert.Equal(t, challenge, pending.PKCEChallenge)
	assert.NotEmpty(t, pending.PKCEVerifier)
	assert.NotEmpty(t, pending.Nonce)
}
