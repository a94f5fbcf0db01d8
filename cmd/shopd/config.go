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
// SHOPD__SMTP__HOST=mail sets smtp.host.
const envPrefix = "SHOPD__"

type serverConfig struct {
	Listen     string `koanf:"listen"`
	CatalogDSN string `koanf:"catalog_dsn"`
	UsersDSN   string `koanf:"users_dsn"`

	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`

	// JWT holds the token verification parameters; they must match the
	// authserver's issuance settings.
	JWT struct {
		// PublicKeyFile is a PEM-encoded ed25519 public key.
		PublicKeyFile string `koanf:"public_key_file"`
		Issuer        string `koanf:"issuer"`
		Audience      string `koanf:"audience"`
	} `koanf:"jwt"`

	SMTP struct {
		Host     string `koanf:"host"`
		Port     int    `koanf:"port"`
		Username string `koanf:"username"`
		Password string `koanf:"password"`
		From     string `koanf:"from"`
	} `koanf:"smtp"`
}

// loadConfig layers defaults, the optional YAML file, and SHOPD__ env vars.
func loadConfig(path string) (*serverConfig, error) {
	k := koanf.New(".")

	cfg := &serverConfig{
		Listen:     ":8081",
		CatalogDSN: "file:catalog.db",
		UsersDSN:   "file:users.db",
	}
	cfg.Redis.Addr = "localhost:6379"
	cfg.JWT.Issuer = "http://localhost:8080"
	cfg.JWT.Audience = "http://localhost:8080"

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

func transformEnv(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}
