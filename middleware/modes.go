package middleware

import (
	"net/http"

	"github.com/amlume/authkit"
)

// RequireJWTOnly overrides the validation mode to [authkit.ModeJWTOnly]
// for the wrapped handler, skipping Redis entirely.
func RequireJWTOnly(engine *authkit.Engine) func(http.Handler) http.Handler {
	return Guard(engine, authkit.ModeJWTOnly)
}

// RequireCached validates through the blacklist and token cache.
func RequireCached(engine *authkit.Engine) func(http.Handler) http.Handler {
	return Guard(engine, authkit.ModeCached)
}

// RequireStrict requires a live session record and fails closed.
func RequireStrict(engine *authkit.Engine) func(http.Handler) http.Handler {
	return Guard(engine, authkit.ModeStrict)
}
