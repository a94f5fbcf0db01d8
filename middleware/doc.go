// Package middleware exposes HTTP middleware adapters for JWT-only,
// cached, and strict authorization enforcement modes built on top of
// authkit.Engine validation.
//
// # Guards
//
//   - [Guard] — auto-selects enforcement mode from Engine config.
//   - [RequireJWTOnly] — stateless JWT verification, no Redis call.
//   - [RequireCached] — JWT + blacklist + token cache behind the breaker.
//   - [RequireStrict] — JWT + live session verification.
//   - [RequireRole] — role check on the validated principal.
//
// Each guard reads the Authorization header, calls Engine.Validate, and
// injects the validated principal into the request context.
//
// This package translates HTTP semantics into Engine calls and makes no
// authentication decisions of its own.
package middleware
