package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTransformEnv(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"AMLUME__LISTEN", "listen"},
		{"AMLUME__REDIS__ADDR", "redis.addr"},
		{"AMLUME__OAUTH__HMAC_SECRET", "oauth.hmac_secret"},
		{"AMLUME__PASSKEY__RP_ID", "passkey.rp_id"},
	}
	for _, tc := range cases {
		if got := transformEnv(tc.in); got != tc.want {
			t.Fatalf("transformEnv(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("unexpected default listen %q", cfg.Listen)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected default redis addr %q", cfg.Redis.Addr)
	}
	if cfg.Passkey.RPID != "localhost" {
		t.Fatalf("unexpected default rp id %q", cfg.Passkey.RPID)
	}
}

func TestLoadConfigFileAndEnvLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
listen: ":9090"
issuer: "https://auth.example.com"
redis:
  addr: "redis-file:6379"
oauth:
  hmac_secret: "0123456789abcdef0123456789abcdef"
  clients:
    - id: web-app
      secret: web-secret
      redirect_uris:
        - https://app.example.com/callback
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Environment overrides beat the file.
	t.Setenv("AMLUME__REDIS__ADDR", "redis-env:6379")
	t.Setenv("AMLUME__JWT__KEY_ID", "env-key")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("file value not applied, listen = %q", cfg.Listen)
	}
	if cfg.Issuer != "https://auth.example.com" {
		t.Fatalf("file value not applied, issuer = %q", cfg.Issuer)
	}
	if cfg.Redis.Addr != "redis-env:6379" {
		t.Fatalf("env did not override file, redis.addr = %q", cfg.Redis.Addr)
	}
	if cfg.JWT.KeyID != "env-key" {
		t.Fatalf("env value not applied, jwt.key_id = %q", cfg.JWT.KeyID)
	}
	if len(cfg.OAuth.Clients) != 1 || cfg.OAuth.Clients[0].ID != "web-app" {
		t.Fatalf("clients not decoded: %+v", cfg.OAuth.Clients)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
