package passkey

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amlume/authkit"
	"github.com/amlume/authkit/middleware"
)

// CeremonyHeader carries the ceremony id from a begin response to the
// matching finish request.
const CeremonyHeader = "X-Ceremony-Id"

// Handlers is the HTTP surface for passkey ceremonies. Registration
// endpoints require an authenticated session; login endpoints are public.
type Handlers struct {
	rp     *RelyingParty
	engine *authkit.Engine
	users  authkit.UserProvider
	logger *zap.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(rp *RelyingParty, engine *authkit.Engine, users authkit.UserProvider, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{rp: rp, engine: engine, users: users, logger: logger}
}

// Routes mounts the ceremony endpoints. Registration is guarded; adding a
// passkey always requires a live authenticated session.
func (h *Handlers) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Guard(h.engine, authkit.ModeStrict))
		r.Post("/registration/begin", h.beginRegistration)
		r.Post("/registration/finish", h.finishRegistration)
	})
	r.Post("/login/begin", h.beginLogin)
	r.Post("/login/finish", h.finishLogin)
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handlers) beginRegistration(w http.ResponseWriter, r *http.Request) {
	user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	creation, ceremonyID, err := h.rp.BeginRegistration(r.Context(), user)
	if err != nil {
		h.logger.Error("begin registration failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "ceremony_failed", "could not start registration")
		return
	}

	w.Header().Set(CeremonyHeader, ceremonyID)
	h.writeJSON(w, http.StatusOK, creation)
}

func (h *Handlers) finishRegistration(w http.ResponseWriter, r *http.Request) {
	user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}
	ceremonyID := r.Header.Get(CeremonyHeader)
	if ceremonyID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_ceremony", "ceremony id header is required")
		return
	}

	cred, err := h.rp.FinishRegistration(r.Context(), user, ceremonyID, r)
	if err != nil {
		if errors.Is(err, ErrCeremonyNotFound) {
			h.writeError(w, http.StatusBadRequest, "unknown_ceremony", "ceremony not found or expired")
			return
		}
		h.logger.Warn("finish registration failed",
			zap.String("user_id", user.UserID),
			zap.Error(err),
		)
		h.writeError(w, http.StatusBadRequest, "registration_failed", "attestation could not be verified")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"credential_id": credentialField(cred.ID),
	})
}

func (h *Handlers) beginLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "identifier is required")
		return
	}

	user, err := h.users.GetUserByIdentifier(r.Context(), req.Identifier)
	if err != nil {
		// Same response for unknown users and users without passkeys.
		h.writeError(w, http.StatusBadRequest, "login_failed", "passkey login is not available for this account")
		return
	}

	assertion, ceremonyID, err := h.rp.BeginLogin(r.Context(), user)
	if err != nil {
		if !errors.Is(err, ErrNoCredentials) {
			h.logger.Error("begin login failed", zap.Error(err))
		}
		h.writeError(w, http.StatusBadRequest, "login_failed", "passkey login is not available for this account")
		return
	}

	w.Header().Set(CeremonyHeader, ceremonyID)
	h.writeJSON(w, http.StatusOK, assertion)
}

func (h *Handlers) finishLogin(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "identifier query parameter is required")
		return
	}
	ceremonyID := r.Header.Get(CeremonyHeader)
	if ceremonyID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_ceremony", "ceremony id header is required")
		return
	}

	user, err := h.users.GetUserByIdentifier(r.Context(), identifier)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "login_failed", "assertion could not be verified")
		return
	}

	if _, err := h.rp.FinishLogin(r.Context(), user, ceremonyID, r); err != nil {
		h.logger.Warn("finish login failed",
			zap.String("user_id", user.UserID),
			zap.Error(err),
		)
		h.writeError(w, http.StatusUnauthorized, "login_failed", "assertion could not be verified")
		return
	}

	pair, err := h.engine.IssueSession(r.Context(), user, []string{authkit.AMRWebAuthn})
	if err != nil {
		h.logger.Error("failed to issue session after passkey login",
			zap.String("user_id", user.UserID),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "session_failed", "could not create a session")
		return
	}

	h.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    pair.ExpiresAt,
	})
}

func (h *Handlers) sessionUser(w http.ResponseWriter, r *http.Request) (authkit.UserRecord, bool) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return authkit.UserRecord{}, false
	}
	user, err := h.users.GetUserByID(r.Context(), principal.UserID)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "account not found")
		return authkit.UserRecord{}, false
	}
	return user, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code, Message: message})
}
