// Package authkit provides the authentication core for the amlume platform:
// JWT access tokens, rotating opaque refresh tokens, Redis-backed sessions,
// a circuit-breaker-wrapped token cache, and a jti blacklist.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authkit is the public surface. It exposes [Engine], [Builder], [Config], and
// value types (TokenPair, Principal, MetricsSnapshot). Flow orchestration,
// session encoding, and rate limiting live under internal/ and subpackages.
// The OAuth2/OIDC endpoint surface (oauthserver), passkey ceremonies
// (passkey), and the resource-server side (shop) build on top of this package
// and never the other way around.
//
// # Validation paths
//
// Validate is the hot path. In [ModeJWTOnly] it completes without any Redis
// round trip. [ModeCached] consults the blacklist and the token cache behind a
// circuit breaker and degrades to pure JWT validation when the breaker opens.
// [ModeStrict] requires a live session record and fails closed when Redis is
// unavailable.
package authkit
