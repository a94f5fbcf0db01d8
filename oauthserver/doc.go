// Package oauthserver embeds an OAuth2/OIDC authorization server built on
// ory/fosite. It issues RS256-signed JWT access tokens with opaque HMAC
// refresh tokens and authorization codes, and serves the authorize, callback,
// token, revoke, dynamic-client-registration, JWKS, and discovery endpoints.
//
// Resource owners authenticate through one of three journeys: a bearer
// access token minted by the authkit engine (password or passkey login), or
// federation to an upstream OIDC identity provider. The journey taken is
// recorded in the amr claim of the issued tokens.
//
// State lives behind the [storage.Storage] interface with in-memory and
// Redis implementations.
package oauthserver
