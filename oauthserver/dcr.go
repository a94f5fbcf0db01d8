package oauthserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"
	"go.uber.org/zap"

	"github.com/amlume/authkit/oauthserver/storage"
)

// DCR error codes per RFC 7591 section 3.2.2.
const (
	dcrErrorInvalidRedirectURI    = "invalid_redirect_uri"
	dcrErrorInvalidClientMetadata = "invalid_client_metadata"
)

// Limits on registration requests.
const (
	maxRedirectURICount = 10
	maxClientNameLength = 256
)

// DCRRequest is an RFC 7591 registration request. Only public clients with
// loopback or HTTPS redirect URIs may register dynamically.
type DCRRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

// DCRResponse is an RFC 7591 section 3.2.1 success response.
type DCRResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
}

// DCRError is an RFC 7591 section 3.2.2 error response.
type DCRError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

var dcrDefaultGrantTypes = []string{"authorization_code", "refresh_token"}

var dcrAllowedGrantTypes = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
}

// RegisterClientHandler serves POST /oauth2/register, RFC 7591 dynamic
// registration for public native clients.
func (s *Server) RegisterClientHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DCRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDCRError(w, http.StatusBadRequest, &DCRError{
			Error:            dcrErrorInvalidClientMetadata,
			ErrorDescription: "invalid JSON request body",
		})
		return
	}

	validated, dcrErr := validateDCRRequest(&req)
	if dcrErr != nil {
		writeDCRError(w, http.StatusBadRequest, dcrErr)
		return
	}

	clientID := uuid.NewString()
	client := storage.NewLoopbackClient(&fosite.DefaultClient{
		ID:            clientID,
		RedirectURIs:  validated.RedirectURIs,
		ResponseTypes: validated.ResponseTypes,
		GrantTypes:    validated.GrantTypes,
		Scopes:        s.cfg.ScopesSupported,
		Public:        true,
	})

	if err := s.storage.RegisterClient(ctx, client); err != nil {
		s.logger.Error("failed to register dynamic client", zap.Error(err))
		writeDCRError(w, http.StatusInternalServerError, &DCRError{
			Error:            dcrErrorInvalidClientMetadata,
			ErrorDescription: "registration failed",
		})
		return
	}

	s.logger.Info("registered dynamic client",
		zap.String("client_id", clientID),
		zap.String("client_name", validated.ClientName),
	)

	response := DCRResponse{
		ClientID:                clientID,
		ClientIDIssuedAt:        time.Now().Unix(),
		RedirectURIs:            validated.RedirectURIs,
		ClientName:              validated.ClientName,
		TokenEndpointAuthMethod: validated.TokenEndpointAuthMethod,
		GrantTypes:              validated.GrantTypes,
		ResponseTypes:           validated.ResponseTypes,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode registration response", zap.Error(err))
	}
}

func writeDCRError(w http.ResponseWriter, statusCode int, dcrErr *DCRError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(dcrErr)
}

// validateDCRRequest applies the server policy: public clients only,
// loopback or HTTPS redirects, code flow with optional refresh tokens.
func validateDCRRequest(req *DCRRequest) (*DCRRequest, *DCRError) {
	if len(req.RedirectURIs) == 0 {
		return nil, &DCRError{
			Error:            dcrErrorInvalidRedirectURI,
			ErrorDescription: "redirect_uris is required",
		}
	}
	if len(req.RedirectURIs) > maxRedirectURICount {
		return nil, &DCRError{
			Error:            dcrErrorInvalidRedirectURI,
			ErrorDescription: "too many redirect_uris (maximum 10)",
		}
	}
	for _, uri := range req.RedirectURIs {
		if dcrErr := validateRedirectURI(uri); dcrErr != nil {
			return nil, dcrErr
		}
	}

	if len(req.ClientName) > maxClientNameLength {
		return nil, &DCRError{
			Error:            dcrErrorInvalidClientMetadata,
			ErrorDescription: "client_name too long (maximum 256 characters)",
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	if authMethod != "none" {
		return nil, &DCRError{
			Error:            dcrErrorInvalidClientMetadata,
			ErrorDescription: "token_endpoint_auth_method must be 'none' for public clients",
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = dcrDefaultGrantTypes
	}
	if !slices.Contains(grantTypes, "authorization_code") {
		return nil, &DCRError{
			Error:            dcrErrorInvalidClientMetadata,
			ErrorDescription: "grant_types must include 'authorization_code'",
		}
	}
	for _, gt := range grantTypes {
		if !dcrAllowedGrantTypes[gt] {
			return nil, &DCRError{
				Error:            dcrErrorInvalidClientMetadata,
				ErrorDescription: "unsupported grant_type: " + gt,
			}
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, &DCRError{
				Error:            dcrErrorInvalidClientMetadata,
				ErrorDescription: "unsupported response_type: " + rt,
			}
		}
	}

	return &DCRRequest{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
	}, nil
}

// validateRedirectURI allows HTTPS anywhere and plain HTTP only on loopback
// hosts, per RFC 8252.
func validateRedirectURI(raw string) *DCRError {
	u, err := url.Parse(raw)
	if err != nil {
		return &DCRError{
			Error:            dcrErrorInvalidRedirectURI,
			ErrorDescription: "invalid redirect_uri: " + raw,
		}
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if storage.IsLoopbackHost(u.Hostname()) {
			return nil
		}
		return &DCRError{
			Error:            dcrErrorInvalidRedirectURI,
			ErrorDescription: "http redirect_uris must use a loopback host",
		}
	default:
		return &DCRError{
			Error:            dcrErrorInvalidRedirectURI,
			ErrorDescription: "redirect_uri scheme must be http (loopback) or https",
		}
	}
}
