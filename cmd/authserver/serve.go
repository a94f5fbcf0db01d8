package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amlume/authkit"
	"github.com/amlume/authkit/metrics/export/prometheus"
	"github.com/amlume/authkit/oauthserver"
	"github.com/amlume/authkit/oauthserver/idp"
	"github.com/amlume/authkit/oauthserver/storage"
	"github.com/amlume/authkit/passkey"
	"github.com/amlume/authkit/userstore"
)

func serve(ctx context.Context, cfg *serverConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	users, err := userstore.Open(cfg.UsersDSN)
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	defer users.Close()

	engine, err := buildEngine(cfg, rdb, users, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	authsrv, err := buildOAuthServer(ctx, cfg, rdb, engine, users, logger)
	if err != nil {
		return fmt.Errorf("build oauth server: %w", err)
	}

	passkeyStore := passkey.NewRedisStore(rdb, "pk", 0)
	rp, err := passkey.NewRelyingParty(passkey.Config{
		RPID:          cfg.Passkey.RPID,
		RPDisplayName: cfg.Passkey.RPDisplayName,
		Origins:       cfg.Passkey.Origins,
	}, passkeyStore, passkeyStore, passkey.WithRelyingPartyLogger(logger))
	if err != nil {
		return fmt.Errorf("build relying party: %w", err)
	}

	r := chi.NewRouter()
	authsrv.Routes(r)
	r.Route("/auth", func(r chi.Router) {
		newAuthAPI(engine, logger).Routes(r)
	})
	r.Route("/passkey", func(r chi.Router) {
		passkey.NewHandlers(rp, engine, users, logger).Routes(r)
	})
	r.Method(http.MethodGet, "/metrics", prometheus.NewPrometheusExporter(engine).Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := engine.Ping(r.Context()); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return run(ctx, cfg.Listen, r, logger)
}

func buildEngine(cfg *serverConfig, rdb redis.UniversalClient, users authkit.UserProvider, logger *zap.Logger) (*authkit.Engine, error) {
	priv, pub, err := loadEd25519Key(cfg.JWT.KeyFile, logger)
	if err != nil {
		return nil, err
	}

	akCfg := authkit.DefaultConfig()
	akCfg.JWT.Issuer = cfg.Issuer
	akCfg.JWT.Audience = cfg.Issuer
	akCfg.JWT.PrivateKey = priv
	akCfg.JWT.PublicKey = pub
	akCfg.JWT.KeyID = cfg.JWT.KeyID

	return authkit.New().
		WithConfig(akCfg).
		WithRedis(rdb).
		WithUserProvider(users).
		WithLogger(logger).
		Build()
}

func buildOAuthServer(ctx context.Context, cfg *serverConfig, rdb redis.UniversalClient, engine *authkit.Engine, users authkit.UserProvider, logger *zap.Logger) (*oauthserver.Server, error) {
	rsaKey, err := loadRSAKey(cfg.OAuth.SigningKeyFile, logger)
	if err != nil {
		return nil, err
	}
	hmacSecret, err := resolveHMACSecret(cfg.OAuth.HMACSecret, logger)
	if err != nil {
		return nil, err
	}

	keyID := cfg.OAuth.KeyID
	if keyID == "" {
		keyID = "oauth-1"
	}

	oasCfg := oauthserver.Config{
		Issuer:     cfg.Issuer,
		SigningKey: oauthserver.SigningKey{KeyID: keyID, Key: rsaKey},
		HMACSecret: hmacSecret,
	}
	for _, c := range cfg.OAuth.Clients {
		oasCfg.Clients = append(oasCfg.Clients, oauthserver.ClientConfig{
			ID:           c.ID,
			Secret:       c.Secret,
			RedirectURIs: c.RedirectURIs,
			Public:       c.Public,
			Scopes:       c.Scopes,
		})
	}

	opts := []oauthserver.ServerOption{
		oauthserver.WithEngine(engine, users),
		oauthserver.WithServerLogger(logger),
	}
	if cfg.OAuth.Upstream.Issuer != "" {
		upstream, err := idp.NewOIDCProvider(ctx, idp.Config{
			Issuer:       cfg.OAuth.Upstream.Issuer,
			ClientID:     cfg.OAuth.Upstream.ClientID,
			ClientSecret: cfg.OAuth.Upstream.ClientSecret,
			RedirectURI:  cfg.OAuth.Upstream.RedirectURI,
			Scopes:       cfg.OAuth.Upstream.Scopes,
		}, idp.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("configure upstream provider: %w", err)
		}
		opts = append(opts, oauthserver.WithUpstream(upstream))
	}

	stor, err := storage.NewRedisStorage(rdb, "oas")
	if err != nil {
		return nil, fmt.Errorf("configure oauth storage: %w", err)
	}
	return oauthserver.New(ctx, oasCfg, stor, opts...)
}

// loadEd25519Key reads a PEM ed25519 private key and derives the public
// key. An empty path generates an ephemeral pair; sessions then die with
// the process, so this is for development only.
func loadEd25519Key(path string, logger *zap.Logger) (priv, pub []byte, err error) {
	if path == "" {
		logger.Warn("no jwt key file configured, generating an ephemeral ed25519 key")
		pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return privKey, pubKey, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, nil, fmt.Errorf("%s: no PEM block", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	privKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("%s: not an ed25519 key", path)
	}
	return privKey, privKey.Public().(ed25519.PublicKey), nil
}

// loadRSAKey reads a PEM RSA private key, generating an ephemeral one when
// no path is configured.
func loadRSAKey(path string, logger *zap.Logger) (*rsa.PrivateKey, error) {
	if path == "" {
		logger.Warn("no oauth signing key configured, generating an ephemeral RSA key")
		return rsa.GenerateKey(rand.Reader, 2048)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA key", path)
	}
	return key, nil
}

func resolveHMACSecret(secret string, logger *zap.Logger) ([]byte, error) {
	if secret == "" {
		logger.Warn("no oauth hmac secret configured, generating an ephemeral one; codes and refresh tokens will not survive a restart")
		out := make([]byte, oauthserver.MinHMACSecretLength)
		if _, err := rand.Read(out); err != nil {
			return nil, err
		}
		return out, nil
	}
	if len(secret) < oauthserver.MinHMACSecretLength {
		return nil, errors.New("oauth.hmac_secret must be at least 32 bytes")
	}
	return []byte(secret), nil
}

// run serves until the context is cancelled, then shuts down gracefully.
func run(ctx context.Context, listen string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
