package oauthserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/amlume/authkit/oauthserver/storage"
)

var (
	testRSAKeyOnce sync.Once
	testRSAKey     *rsa.PrivateKey
)

// Key generation dominates fixture cost; all tests share one key.
func testSigningKey(t *testing.T) SigningKey {
	t.Helper()
	testRSAKeyOnce.Do(func() {
		var err error
		testRSAKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return SigningKey{KeyID: "test-key", Key: testRSAKey}
}

func testServerConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Issuer:     "https://auth.example.com",
		SigningKey: testSigningKey(t),
		HMACSecret: []byte(strings.Repeat("s", MinHMACSecretLength)),
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *storage.MemoryStorage) {
	t.Helper()
	stor := storage.NewMemoryStorage(storage.WithCleanupInterval(time.Hour))
	srv, err := New(context.Background(), cfg, stor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, stor
}

func TestConfigValidation(t *testing.T) {
	smallKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"missing issuer", func(c *Config) { c.Issuer = "" }, "issuer"},
		{"missing key id", func(c *Config) { c.SigningKey.KeyID = "" }, "key id"},
		{"missing key", func(c *Config) { c.SigningKey.Key = nil }, "key is required"},
		{"weak rsa key", func(c *Config) { c.SigningKey.Key = smallKey }, "2048"},
		{"short hmac secret", func(c *Config) { c.HMACSecret = []byte("short") }, "hmac secret"},
		{"client without id", func(c *Config) {
			c.Clients = []ClientConfig{{RedirectURIs: []string{"https://a/cb"}}}
		}, "client id"},
		{"client without redirect", func(c *Config) {
			c.Clients = []ClientConfig{{ID: "c1"}}
		}, "redirect uri"},
		{"confidential client without secret", func(c *Config) {
			c.Clients = []ClientConfig{{ID: "c1", RedirectURIs: []string{"https://a/cb"}}}
		}, "secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testServerConfig(t)
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantSub)
		})
	}
}

func TestNewSeedsStaticClients(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Clients = []ClientConfig{
		{
			ID:           "web-app",
			Secret:       "web-secret",
			RedirectURIs: []string{"https://app.example.com/callback"},
		},
		{
			ID:           "native-app",
			Public:       true,
			RedirectURIs: []string{"http://127.0.0.1:8080/callback"},
		},
	}
	_, stor := newTestServer(t, cfg)

	web, err := stor.GetClient(context.Background(), "web-app")
	require.NoError(t, err)
	assert.False(t, web.IsPublic())

	native, err := stor.GetClient(context.Background(), "native-app")
	require.NoError(t, err)
	assert.True(t, native.IsPublic())

	// Public clients get loopback port flexibility; confidential ones do not.
	matcher, ok := native.(storage.LoopbackMatcher)
	require.True(t, ok)
	assert.True(t, matcher.MatchRedirectURI("http://127.0.0.1:53127/callback"))
	_, ok = web.(storage.LoopbackMatcher)
	assert.False(t, ok)
}

func TestSeededClientSecretVerifiesWithBcrypt(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Clients = []ClientConfig{
		{
			ID:           "web-app",
			Secret:       "web-secret",
			RedirectURIs: []string{"https://app.example.com/callback"},
		},
	}
	_, stor := newTestServer(t, cfg)

	web, err := stor.GetClient(context.Background(), "web-app")
	require.NoError(t, err)

	stored := web.GetHashedSecret()
	assert.NotEqual(t, []byte("web-secret"), stored)
	assert.NoError(t, bcrypt.CompareHashAndPassword(stored, []byte("web-secret")))
	assert.Error(t, bcrypt.CompareHashAndPassword(stored, []byte("wrong-secret")))
}

func TestNewRequiresStorage(t *testing.T) {
	_, err := New(context.Background(), testServerConfig(t), nil)
	assert.Error(t, err)
}

func TestTokenEndpointRejectsUnknownClient(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig(t))

	form := "grant_type=authorization_code&code=bogus&client_id=no-such-client"
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, rec.Body.String(), "error")
}
