// Package passkey provides WebAuthn passkey registration and login on top
// of the authkit engine. The ceremony validation itself comes from
// github.com/go-webauthn/webauthn; this package supplies the relying party
// configuration, credential persistence, ceremony session handling, and the
// HTTP surface.
//
// A successful passkey login mints the same session and token pair as a
// password login, with amr recorded as webauthn.
package passkey
