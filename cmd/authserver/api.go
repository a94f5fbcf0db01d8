package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amlume/authkit"
	"github.com/amlume/authkit/middleware"
)

// authAPI exposes the engine's password flows over HTTP: login, refresh,
// logout, registration, and password change. Passkey and OAuth flows have
// their own routers.
type authAPI struct {
	engine *authkit.Engine
	logger *zap.Logger
}

func newAuthAPI(engine *authkit.Engine, logger *zap.Logger) *authAPI {
	return &authAPI{engine: engine, logger: logger}
}

func (a *authAPI) Routes(r chi.Router) {
	r.Post("/login", a.login)
	r.Post("/refresh", a.refresh)
	r.Post("/register", a.register)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Guard(a.engine, authkit.ModeStrict))
		r.Post("/logout", a.logout)
		r.Post("/logout-all", a.logoutAll)
		r.Post("/password", a.changePassword)
	})
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (a *authAPI) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	pair, err := a.engine.Login(requestContext(r), req.Identifier, req.Password)
	if err != nil {
		a.writeAuthError(w, err)
		return
	}
	a.writeTokens(w, pair)
}

func (a *authAPI) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	pair, err := a.engine.Refresh(requestContext(r), req.RefreshToken)
	if err != nil {
		a.writeAuthError(w, err)
		return
	}
	a.writeTokens(w, pair)
}

func (a *authAPI) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Email      string `json:"email"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	user, err := a.engine.Register(requestContext(r), authkit.NewAccount{
		Identifier: req.Identifier,
		Email:      req.Email,
		Password:   req.Password,
	})
	if err != nil {
		a.writeAuthError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"user_id": user.UserID})
}

func (a *authAPI) logout(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	if err := a.engine.Logout(r.Context(), principal.SessionID); err != nil {
		a.logger.Warn("logout failed", zap.Error(err))
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *authAPI) logoutAll(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	if err := a.engine.LogoutAll(r.Context(), principal.UserID); err != nil {
		a.logger.Warn("logout-all failed", zap.Error(err))
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *authAPI) changePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	principal, _ := middleware.PrincipalFromContext(r.Context())
	if err := a.engine.ChangePassword(r.Context(), principal.UserID, req.OldPassword, req.NewPassword); err != nil {
		a.writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *authAPI) writeTokens(w http.ResponseWriter, pair authkit.TokenPair) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    pair.ExpiresAt,
	})
}

// writeAuthError maps engine sentinels to HTTP statuses without leaking
// which check failed.
func (a *authAPI) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authkit.ErrInvalidCredentials),
		errors.Is(err, authkit.ErrRefreshInvalid),
		errors.Is(err, authkit.ErrRefreshReuse),
		errors.Is(err, authkit.ErrSessionNotFound):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, authkit.ErrLoginRateLimited),
		errors.Is(err, authkit.ErrRefreshRateLimited):
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	case errors.Is(err, authkit.ErrAccountExists):
		http.Error(w, "account already exists", http.StatusConflict)
	case errors.Is(err, authkit.ErrAccountUnverified),
		errors.Is(err, authkit.ErrAccountDisabled),
		errors.Is(err, authkit.ErrAccountLocked):
		http.Error(w, "account not available", http.StatusForbidden)
	case errors.Is(err, authkit.ErrPasswordPolicy),
		errors.Is(err, authkit.ErrPasswordReuse):
		http.Error(w, "password rejected", http.StatusBadRequest)
	default:
		a.logger.Error("auth request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// requestContext tags the context with the caller's IP and user agent for
// audit events.
func requestContext(r *http.Request) context.Context {
	ctx := authkit.WithClientIP(r.Context(), r.RemoteAddr)
	if ua := r.UserAgent(); ua != "" {
		ctx = authkit.WithUserAgent(ctx, ua)
	}
	return ctx
}
