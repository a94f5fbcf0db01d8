package oauthserver

import (
	"net/http"

	"go.uber.org/zap"
)

// TokenHandler serves the token endpoint for the authorization_code and
// refresh_token grants. The session prototype is empty; fosite restores the
// real session from the stored authorize code or refresh token.
func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accessRequest, err := s.provider.NewAccessRequest(ctx, r, NewSession("", "", ""))
	if err != nil {
		s.logger.Debug("token request rejected", zap.Error(err))
		s.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	response, err := s.provider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		s.logger.Error("failed to build access response", zap.Error(err))
		s.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	s.provider.WriteAccessResponse(ctx, w, accessRequest, response)
}

// RevokeHandler serves RFC 7009 token revocation. Revoking a refresh token
// invalidates the whole grant; revoking an access token invalidates that
// token alone.
func (s *Server) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	err := s.provider.NewRevocationRequest(ctx, r)
	if err != nil {
		s.logger.Debug("revocation request rejected", zap.Error(err))
	}
	s.provider.WriteRevocationResponse(ctx, w, err)
}
