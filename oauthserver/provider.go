package oauthserver

import (
	"context"

	josev3 "github.com/go-jose/go-jose/v3"
	josev4 "github.com/go-jose/go-jose/v4"
	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"

	"github.com/amlume/authkit/oauthserver/storage"
)

// serverConfig wraps fosite.Config with the signing key material.
type serverConfig struct {
	*fosite.Config
	signingKey *josev4.JSONWebKey
	jwks       *josev4.JSONWebKeySet
	scopes     []string
}

func newServerConfig(cfg *Config) *serverConfig {
	jwk := josev4.JSONWebKey{
		Key:       cfg.SigningKey.Key,
		KeyID:     cfg.SigningKey.KeyID,
		Algorithm: "RS256",
		Use:       "sig",
	}

	fositeConfig := &fosite.Config{
		AccessTokenIssuer:     cfg.Issuer,
		AccessTokenLifespan:   cfg.AccessTokenLifespan,
		RefreshTokenLifespan:  cfg.RefreshTokenLifespan,
		AuthorizeCodeLifespan: cfg.AuthCodeLifespan,
		GlobalSecret:          cfg.HMACSecret,
		TokenURL:              cfg.Issuer + "/oauth/token",
	}

	return &serverConfig{
		Config:     fositeConfig,
		signingKey: &jwk,
		jwks:       &josev4.JSONWebKeySet{Keys: []josev4.JSONWebKey{jwk}},
		scopes:     cfg.ScopesSupported,
	}
}

// PublicJWKS returns the key set with private material stripped, for the
// JWKS endpoint.
func (c *serverConfig) PublicJWKS() *josev4.JSONWebKeySet {
	public := &josev4.JSONWebKeySet{
		Keys: make([]josev4.JSONWebKey, 0, len(c.jwks.Keys)),
	}
	for _, key := range c.jwks.Keys {
		public.Keys = append(public.Keys, key.Public())
	}
	return public
}

// newProvider composes the fosite OAuth2 provider.
//
// Access tokens use the JWT strategy so resource servers validate them
// offline against the JWKS; authorization codes and refresh tokens use the
// HMAC strategy since only this server redeems them. Fosite v0.49 links
// against go-jose/v3, so the v4 signing key is converted to keep the kid in
// the JWT header.
func newProvider(cfg *serverConfig, stor storage.Storage) fosite.OAuth2Provider {
	keyV3 := &josev3.JSONWebKey{
		Key:       cfg.signingKey.Key,
		KeyID:     cfg.signingKey.KeyID,
		Algorithm: cfg.signingKey.Algorithm,
		Use:       cfg.signingKey.Use,
	}

	jwtStrategy := compose.NewOAuth2JWTStrategy(
		func(_ context.Context) (interface{}, error) { return keyV3, nil },
		compose.NewOAuth2HMACStrategy(cfg.Config),
		cfg.Config,
	)

	return compose.Compose(
		cfg.Config,
		stor,
		&compose.CommonStrategy{CoreStrategy: jwtStrategy},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2PKCEFactory,
		compose.OAuth2TokenRevocationFactory,
	)
}
