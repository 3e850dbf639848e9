package authserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
)

// Mount attaches the OAuth2 endpoints to the router. The auth middleware
// must already have run so the authorize endpoint can see the browser
// session.
func (s *Server) Mount(r chi.Router) {
	r.Get("/oauth/authorize", s.AuthorizeHandler)
	r.Post("/oauth/token", s.TokenHandler)
	r.Post("/oauth/revoke", s.RevokeHandler)
	r.Post("/oauth/introspect", s.IntrospectHandler)
	r.Get("/.well-known/oauth-authorization-server", s.MetadataHandler)
}

// AuthorizeHandler handles GET /oauth/authorize. Consent is implied: a
// logged-in user authorizing a registered client gets all requested scopes
// the client is allowed.
func (s *Server) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity.AuthMethod != auth.MethodSession {
		login := "/auth/login?return_to=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, login, http.StatusFound)
		return
	}

	ar, err := s.provider.NewAuthorizeRequest(ctx, r)
	if err != nil {
		logger.Warnw("authorize request rejected", "error", err)
		s.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	session := newSession(identity.Subject, identity.Email)
	now := time.Now().UTC()
	session.SetExpiresAt(fosite.AuthorizeCode, now.Add(authCodeLifespan))
	session.SetExpiresAt(fosite.AccessToken, now.Add(accessTokenLifespan))
	session.SetExpiresAt(fosite.RefreshToken, now.Add(refreshTokenLifespan))

	for _, scope := range ar.GetRequestedScopes() {
		ar.GrantScope(scope)
	}

	response, err := s.provider.NewAuthorizeResponse(ctx, ar, session)
	if err != nil {
		logger.Warnw("authorize response failed", "client_id", ar.GetClient().GetID(), "error", err)
		s.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}
	s.provider.WriteAuthorizeResponse(ctx, w, ar, response)
}

// TokenHandler handles POST /oauth/token for the authorization-code and
// refresh-token grants.
func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session := newSession("", "")
	accessRequest, err := s.provider.NewAccessRequest(ctx, r, session)
	if err != nil {
		logger.Warnw("access request rejected", "error", err)
		s.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	response, err := s.provider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		logger.Warnw("access response failed", "error", err)
		s.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}
	s.provider.WriteAccessResponse(ctx, w, accessRequest, response)
}

// RevokeHandler handles POST /oauth/revoke (RFC 7009).
func (s *Server) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := s.provider.NewRevocationRequest(ctx, r)
	if err != nil {
		logger.Debugw("revocation request failed", "error", err)
	}
	s.provider.WriteRevocationResponse(ctx, w, err)
}

// IntrospectHandler handles POST /oauth/introspect (RFC 7662). The caller
// authenticates as a client; the response reports token liveness and claims.
func (s *Server) IntrospectHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ir, err := s.provider.NewIntrospectionRequest(ctx, r, newSession("", ""))
	if err != nil {
		logger.Debugw("introspection request failed", "error", err)
		s.provider.WriteIntrospectionError(ctx, w, err)
		return
	}
	s.provider.WriteIntrospectionResponse(ctx, w, ir)
}

// serverMetadata is the RFC 8414 authorization server metadata document.
type serverMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
}

// MetadataHandler handles GET /.well-known/oauth-authorization-server.
func (s *Server) MetadataHandler(w http.ResponseWriter, _ *http.Request) {
	doc := serverMetadata{
		Issuer:                            s.issuer,
		AuthorizationEndpoint:             s.issuer + "/oauth/authorize",
		TokenEndpoint:                     s.issuer + "/oauth/token",
		RevocationEndpoint:                s.issuer + "/oauth/revoke",
		IntrospectionEndpoint:             s.issuer + "/oauth/introspect",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{AuthMethodBasic, AuthMethodPost, AuthMethodNone},
		ScopesSupported:                   []string{"openid", "profile", "email"},
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		logger.Errorw("encoding server metadata failed", "error", err)
	}
}
