package main

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix scopes environment overrides, e.g.
// AMLUME__REDIS__ADDR=redis:6379 sets redis.addr.
const envPrefix = "AMLUME__"

type serverConfig struct {
	Listen   string `koanf:"listen"`
	Issuer   string `koanf:"issuer"`
	UsersDSN string `koanf:"users_dsn"`

	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`

	JWT struct {
		// KeyFile is a PEM-encoded ed25519 private key. Empty generates
		// an ephemeral key, for development only.
		KeyFile string `koanf:"key_file"`
		KeyID   string `koanf:"key_id"`
	} `koanf:"jwt"`

	OAuth struct {
		// SigningKeyFile is a PEM-encoded RSA private key for RS256
		// access tokens. Empty generates an ephemeral key.
		SigningKeyFile string `koanf:"signing_key_file"`
		KeyID          string `koanf:"key_id"`
		// HMACSecret signs authorization codes and refresh tokens. Must
		// be at least 32 bytes and shared across replicas.
		HMACSecret string `koanf:"hmac_secret"`

		Clients []struct {
			ID           string   `koanf:"id"`
			Secret       string   `koanf:"secret"`
			RedirectURIs []string `koanf:"redirect_uris"`
			Public       bool     `koanf:"public"`
			Scopes       []string `koanf:"scopes"`
		} `koanf:"clients"`

		Upstream struct {
			Issuer       string   `koanf:"issuer"`
			ClientID     string   `koanf:"client_id"`
			ClientSecret string   `koanf:"client_secret"`
			RedirectURI  string   `koanf:"redirect_uri"`
			Scopes       []string `koanf:"scopes"`
		} `koanf:"upstream"`
	} `koanf:"oauth"`

	Passkey struct {
		RPID          string   `koanf:"rp_id"`
		RPDisplayName string   `koanf:"rp_display_name"`
		Origins       []string `koanf:"origins"`
	} `koanf:"passkey"`
}

// loadConfig layers defaults, the optional YAML file, and AMLUME__ env vars.
func loadConfig(path string) (*serverConfig, error) {
	k := koanf.New(".")

	cfg := &serverConfig{
		Listen:   ":8080",
		Issuer:   "http://localhost:8080",
		UsersDSN: "file:users.db",
	}
	cfg.Redis.Addr = "localhost:6379"
	cfg.Passkey.RPID = "localhost"
	cfg.Passkey.RPDisplayName = "amlume"
	cfg.Passkey.Origins = []string{"http://localhost:8080"}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", transformEnv), nil); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// transformEnv maps AMLUME__REDIS__ADDR to redis.addr.
func transformEnv(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}
