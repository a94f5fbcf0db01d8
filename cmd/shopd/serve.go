package main

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
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
	"github.com/amlume/authkit/shop"
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

	catalog, err := shop.OpenCatalog(cfg.CatalogDSN)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer catalog.Close()

	var notifier *shop.Notifier
	if cfg.SMTP.Host != "" {
		notifier, err = shop.NewNotifier(shop.NotifierConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, shop.WithNotifierLogger(logger))
		if err != nil {
			return fmt.Errorf("build notifier: %w", err)
		}
	} else {
		logger.Warn("no smtp host configured, order confirmations disabled")
	}

	r := chi.NewRouter()
	shop.NewHandlers(catalog, engine, notifier, logger).Routes(r)
	r.Method(http.MethodGet, "/metrics", prometheus.NewPrometheusExporter(engine).Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := engine.Ping(r.Context()); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen))
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

// buildEngine wires a validation-only engine: it verifies access tokens
// against the authserver's public key and shares its Redis state for
// blacklist and session checks.
func buildEngine(cfg *serverConfig, rdb redis.UniversalClient, users authkit.UserProvider, logger *zap.Logger) (*authkit.Engine, error) {
	pub, err := loadEd25519PublicKey(cfg.JWT.PublicKeyFile)
	if err != nil {
		return nil, err
	}

	akCfg := authkit.DefaultConfig()
	akCfg.JWT.Issuer = cfg.JWT.Issuer
	akCfg.JWT.Audience = cfg.JWT.Audience
	akCfg.JWT.PublicKey = pub

	return authkit.New().
		WithConfig(akCfg).
		WithRedis(rdb).
		WithUserProvider(users).
		WithLogger(logger).
		Build()
}

func loadEd25519PublicKey(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("jwt.public_key_file is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an ed25519 key", path)
	}
	return pub, nil
}
