package oauthserver

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// discoveryDocument covers both the OIDC discovery and RFC 8414
// authorization server metadata shapes; fields absent from one profile are
// simply omitted by the other's consumers.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValues           []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

func (s *Server) discovery(includeOIDC bool) discoveryDocument {
	issuer := s.cfg.Issuer
	doc := discoveryDocument{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + "/oauth/authorize",
		TokenEndpoint:                 issuer + "/oauth/token",
		RevocationEndpoint:            issuer + "/oauth/revoke",
		RegistrationEndpoint:          issuer + "/oauth2/register",
		JWKSURI:                       issuer + "/.well-known/jwks.json",
		ScopesSupported:               s.cfg.ScopesSupported,
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported: []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post", "none",
		},
	}
	if includeOIDC {
		doc.SubjectTypesSupported = []string{"public"}
		doc.IDTokenSigningAlgValues = []string{"RS256"}
	}
	return doc
}

// OIDCDiscoveryHandler serves GET /.well-known/openid-configuration.
func (s *Server) OIDCDiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	s.writeDiscovery(w, s.discovery(true))
}

// OAuthDiscoveryHandler serves GET /.well-known/oauth-authorization-server
// per RFC 8414.
func (s *Server) OAuthDiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	s.writeDiscovery(w, s.discovery(false))
}

func (s *Server) writeDiscovery(w http.ResponseWriter, doc discoveryDocument) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Error("failed to encode discovery document", zap.Error(err))
	}
}

// JWKSHandler serves the public signing keys. Resource servers use these to
// verify RS256 access tokens offline.
func (s *Server) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err := json.NewEncoder(w).Encode(s.oauth.PublicJWKS()); err != nil {
		s.logger.Error("failed to encode JWKS", zap.Error(err))
	}
}
