package oauthserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ory/fosite"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/amlume/authkit"
	"github.com/amlume/authkit/internal"
	"github.com/amlume/authkit/oauthserver/storage"
)

// AuthorizeHandler serves the authorization endpoint. Resource owners
// authenticate one of two ways: a bearer access token minted by the local
// engine (password or passkey login), or a redirect through the upstream
// identity provider when one is configured.
func (s *Server) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ar, err := s.provider.NewAuthorizeRequest(ctx, r)
	if err != nil {
		s.logger.Debug("authorize request rejected", zap.Error(err))
		s.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	if principal := s.bearerPrincipal(r); principal != nil {
		s.completeAuthorize(w, r, ar, principal.UserID, principal.SessionID, principal.AMR)
		return
	}

	if s.upstream == nil {
		s.provider.WriteAuthorizeError(ctx, w, ar,
			fosite.ErrLoginRequired.WithHint("No resource owner credentials were presented and no upstream identity provider is configured."))
		return
	}

	internalState, err := internal.RandomToken(32)
	if err != nil {
		s.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithWrap(err))
		return
	}
	verifier := oauth2.GenerateVerifier()
	nonce, err := internal.RandomToken(32)
	if err != nil {
		s.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithWrap(err))
		return
	}

	pending := &storage.PendingAuthorization{
		ClientID:      ar.GetClient().GetID(),
		RedirectURI:   ar.GetRedirectURI().String(),
		State:         ar.GetState(),
		PKCEChallenge: r.Form.Get("code_challenge"),
		PKCEMethod:    r.Form.Get("code_challenge_method"),
		Scopes:        ar.GetRequestedScopes(),
		InternalState: internalState,
		PKCEVerifier:  verifier,
		Nonce:         nonce,
		CreatedAt:     time.Now(),
	}
	if err := s.storage.StorePendingAuthorization(ctx, internalState, pending); err != nil {
		s.logger.Error("failed to persist pending authorization", zap.Error(err))
		s.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithWrap(err))
		return
	}

	redirect, err := s.upstream.AuthorizationURL(internalState, verifier, nonce)
	if err != nil {
		s.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithWrap(err))
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// bearerPrincipal validates an engine access token from the Authorization
// header, if present and an engine is wired.
func (s *Server) bearerPrincipal(r *http.Request) *authkit.Principal {
	if s.engine == nil {
		return nil
	}
	auth := r.Header.Get("Authorization")
	if len(auth) < 8 || !strings.EqualFold(auth[:7], "Bearer ") {
		return nil
	}
	principal, err := s.engine.Validate(r.Context(), auth[7:], authkit.ModeStrict)
	if err != nil {
		s.logger.Debug("bearer token on authorize endpoint rejected", zap.Error(err))
		return nil
	}
	return principal
}

// completeAuthorize mints the downstream authorization code for an
// authenticated subject and redirects back to the client.
func (s *Server) completeAuthorize(w http.ResponseWriter, r *http.Request, ar fosite.AuthorizeRequester, subject, loginSessionID string, amr []string) {
	ctx := r.Context()

	for _, scope := range ar.GetRequestedScopes() {
		ar.GrantScope(scope)
	}

	sess := NewSession(subject, loginSessionID, ar.GetClient().GetID())
	sess.SetAMR(amr)

	resp, err := s.provider.NewAuthorizeResponse(ctx, ar, sess)
	if err != nil {
		s.logger.Error("failed to build authorize response", zap.Error(err))
		s.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}
	s.provider.WriteAuthorizeResponse(ctx, w, ar, resp)
}

// CallbackHandler receives the upstream provider's redirect, validates the
// returned ID token, resolves the federated identity to a local user, and
// finishes the downstream authorization code flow.
func (s *Server) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		s.logger.Warn("upstream authorization failed",
			zap.String("error", errCode),
			zap.String("description", r.URL.Query().Get("error_description")),
		)
		s.callbackError(w, r, r.URL.Query().Get("state"), errCode)
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	pending, err := s.storage.LoadPendingAuthorization(ctx, state)
	if err != nil {
		s.logger.Warn("unknown or expired authorization state", zap.Error(err))
		http.Error(w, "unknown or expired authorization request", http.StatusBadRequest)
		return
	}
	// Single use regardless of outcome.
	if err := s.storage.DeletePendingAuthorization(ctx, state); err != nil {
		s.logger.Warn("failed to delete pending authorization", zap.Error(err))
	}

	identity, err := s.upstream.Exchange(ctx, code, pending.PKCEVerifier, pending.Nonce)
	if err != nil {
		s.logger.Error("upstream token exchange failed", zap.Error(err))
		s.redirectError(w, r, pending, "access_denied", "Upstream authentication failed.")
		return
	}

	if s.users == nil {
		s.logger.Error("federated login requires a user resolver; configure WithEngine")
		s.redirectError(w, r, pending, "server_error", "Federated login is not available.")
		return
	}
	user, err := s.users.Resolve(ctx, identity)
	if err != nil {
		s.logger.Error("failed to resolve federated identity", zap.Error(err))
		s.redirectError(w, r, pending, "server_error", "Failed to resolve the federated identity.")
		return
	}

	loginSessionID, err := internal.RandomToken(16)
	if err != nil {
		s.redirectError(w, r, pending, "server_error", "Internal error.")
		return
	}
	tokens := &storage.UpstreamTokens{
		AccessToken:  identity.Tokens.AccessToken,
		RefreshToken: identity.Tokens.RefreshToken,
		IDToken:      identity.Tokens.IDToken,
		ExpiresAt:    identity.Tokens.ExpiresAt,
		Subject:      identity.Subject,
		ClientID:     pending.ClientID,
	}
	if err := s.storage.StoreUpstreamTokens(ctx, loginSessionID, tokens); err != nil {
		s.logger.Warn("failed to persist upstream tokens", zap.Error(err))
	}

	downstreamCode, err := s.mintAuthorizationCode(r, pending, user.UserID, loginSessionID)
	if err != nil {
		s.logger.Error("failed to mint authorization code", zap.Error(err))
		s.redirectError(w, r, pending, "server_error", "Failed to issue the authorization code.")
		return
	}

	redirect, err := buildCallbackURL(pending.RedirectURI, url.Values{
		"code":  {downstreamCode},
		"state": {pending.State},
	})
	if err != nil {
		http.Error(w, "invalid redirect URI", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// mintAuthorizationCode rebuilds the original authorization request from the
// pending record and runs it through fosite to produce the code.
func (s *Server) mintAuthorizationCode(r *http.Request, pending *storage.PendingAuthorization, subject, loginSessionID string) (string, error) {
	ctx := r.Context()

	client, err := s.storage.GetClient(ctx, pending.ClientID)
	if err != nil {
		return "", fmt.Errorf("client %s no longer registered: %w", pending.ClientID, err)
	}
	redirectURI, err := url.Parse(pending.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid stored redirect URI: %w", err)
	}

	ar := fosite.NewAuthorizeRequest()
	ar.Client = client
	ar.RedirectURI = redirectURI
	ar.State = pending.State
	ar.ResponseTypes = fosite.Arguments{"code"}
	ar.RequestedScope = fosite.Arguments(pending.Scopes)
	ar.GrantedScope = fosite.Arguments(pending.Scopes)
	ar.Form = url.Values{
		"code_challenge":        {pending.PKCEChallenge},
		"code_challenge_method": {pending.PKCEMethod},
	}

	sess := NewSession(subject, loginSessionID, pending.ClientID)
	sess.SetAMR([]string{authkit.AMRFederated})

	resp, err := s.provider.NewAuthorizeResponse(ctx, ar, sess)
	if err != nil {
		return "", err
	}
	code := resp.GetParameters().Get("code")
	if code == "" {
		return "", errors.New("authorize response carried no code")
	}
	return code, nil
}

// redirectError sends an OAuth error back to the client's redirect URI,
// falling back to a plain HTTP error when the URI cannot be built.
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, pending *storage.PendingAuthorization, code, description string) {
	redirect, err := buildCallbackURL(pending.RedirectURI, url.Values{
		"error":             {code},
		"error_description": {description},
		"state":             {pending.State},
	})
	if err != nil {
		http.Error(w, description, http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// callbackError handles an upstream error response. The pending record, if
// still present, lets us forward the error to the client.
func (s *Server) callbackError(w http.ResponseWriter, r *http.Request, state, code string) {
	if state != "" {
		if pending, err := s.storage.LoadPendingAuthorization(r.Context(), state); err == nil {
			_ = s.storage.DeletePendingAuthorization(r.Context(), state)
			s.redirectError(w, r, pending, code, "The upstream provider rejected the authorization request.")
			return
		}
	}
	http.Error(w, "authorization failed: "+code, http.StatusBadRequest)
}

func buildCallbackURL(redirectURI string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
