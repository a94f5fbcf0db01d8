package oauthserver

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/amlume/authkit/oauthserver/idp"
)

// MinHMACSecretLength is the minimum length in bytes for the HMAC secret
// that signs authorization codes and refresh tokens.
const MinHMACSecretLength = 32

// MinRSAKeyBits is the minimum RSA signing key size.
const MinRSAKeyBits = 2048

// Config is the fully resolved configuration for the authorization server.
// No file paths or environment indirection; cmd binaries resolve those
// before constructing the server.
type Config struct {
	// Issuer is the issuer identifier, used as the iss claim and as the
	// base URL of all advertised endpoints.
	Issuer string

	// SigningKey signs JWT access tokens for distributed verification via
	// the JWKS endpoint.
	SigningKey SigningKey

	// HMACSecret signs the opaque authorization codes and refresh tokens.
	// It never leaves this server but must be shared across replicas.
	HMACSecret []byte

	AccessTokenLifespan  time.Duration // default 1h
	RefreshTokenLifespan time.Duration // default 7d
	AuthCodeLifespan     time.Duration // default 10m

	// Clients are the statically registered OAuth clients.
	Clients []ClientConfig

	// Upstream enables federation to an upstream OIDC provider. Nil means
	// resource owners must authenticate with a local bearer token.
	Upstream *idp.Config

	// ScopesSupported is advertised in discovery; defaults to
	// openid, profile, email.
	ScopesSupported []string
}

// SigningKey is the RS256 key used for JWT access tokens.
type SigningKey struct {
	// KeyID appears in the JWT kid header and the JWKS entry.
	KeyID string
	Key   *rsa.PrivateKey
}

// ClientConfig is a statically registered OAuth client.
type ClientConfig struct {
	ID           string
	Secret       string
	RedirectURIs []string
	// Public clients have no secret and get RFC 8252 loopback redirect
	// matching.
	Public bool
	Scopes []string
}

// Validate checks the config for completeness.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if err := c.SigningKey.Validate(); err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	if len(c.HMACSecret) < MinHMACSecretLength {
		return fmt.Errorf("hmac secret must be at least %d bytes", MinHMACSecretLength)
	}
	for i := range c.Clients {
		if err := c.Clients[i].Validate(); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
	}
	if c.Upstream != nil {
		if err := c.Upstream.Validate(); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
	}
	return nil
}

// Validate checks a single client entry.
func (c *ClientConfig) Validate() error {
	if c.ID == "" {
		return errors.New("client id is required")
	}
	if len(c.RedirectURIs) == 0 {
		return errors.New("at least one redirect uri is required")
	}
	if !c.Public && c.Secret == "" {
		return errors.New("secret is required for confidential clients")
	}
	return nil
}

// Validate checks the signing key.
func (k *SigningKey) Validate() error {
	if k.KeyID == "" {
		return errors.New("key id is required")
	}
	if k.Key == nil {
		return errors.New("key is required")
	}
	if k.Key.N.BitLen() < MinRSAKeyBits {
		return fmt.Errorf("rsa key must be at least %d bits, got %d", MinRSAKeyBits, k.Key.N.BitLen())
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = time.Hour
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = 7 * 24 * time.Hour
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = 10 * time.Minute
	}
	if len(c.ScopesSupported) == 0 {
		c.ScopesSupported = []string{"openid", "profile", "email"}
	}
}
