package oauthserver

import (
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/token/jwt"
)

// Extra claim keys carried in issued access tokens.
const (
	claimLoginSession = "lsid"
	claimClientID     = "client_id"
	claimAMR          = "amr"
)

// Session is the fosite session for all grants. It embeds the JWT session
// so access tokens carry the subject, the login session reference, the
// binding client ID, and the authentication method references.
type Session struct {
	*oauth2.JWTSession
}

// NewSession builds a session for the given subject. loginSessionID links
// the grant to the login that produced it (an engine session or an upstream
// token record); clientID binds the grant to the requesting client. Either
// may be empty, as in the deserialization template the token endpoint uses.
func NewSession(subject, loginSessionID, clientID string) *Session {
	claims := &jwt.JWTClaims{
		Subject: subject,
		Extra:   map[string]any{},
	}
	if loginSessionID != "" {
		claims.Extra[claimLoginSession] = loginSessionID
	}
	if clientID != "" {
		claims.Extra[claimClientID] = clientID
	}

	return &Session{
		JWTSession: &oauth2.JWTSession{
			JWTClaims: claims,
			JWTHeader: &jwt.Headers{Extra: map[string]any{}},
			Subject:   subject,
		},
	}
}

// SetUsername records a display identifier (usually the email).
func (s *Session) SetUsername(username string) {
	s.Username = username
}

// SetAMR records how the resource owner authenticated.
func (s *Session) SetAMR(methods []string) {
	if len(methods) == 0 {
		return
	}
	s.JWTClaims.Extra[claimAMR] = methods
}

// LoginSessionID returns the linked login session, or empty.
func (s *Session) LoginSessionID() string {
	if s.JWTClaims == nil || s.JWTClaims.Extra == nil {
		return ""
	}
	v, _ := s.JWTClaims.Extra[claimLoginSession].(string)
	return v
}
