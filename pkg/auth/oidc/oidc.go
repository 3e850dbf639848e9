// Package oidc implements the upstream IdP login flow: OIDC discovery,
// signed login state, authorization-code exchange, and ID-token
// verification. Successful logins provision platform users.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/JFK/kagura-ai-sub007/pkg/config"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

// stateTTL bounds a login round-trip through the IdP.
const stateTTL = 10 * time.Minute

// Flow runs the authorization-code login against the upstream IdP.
type Flow struct {
	verifier    *gooidc.IDTokenVerifier
	oauth       oauth2.Config
	stateSecret []byte
	users       *users.Store
}

// NewFlow discovers the issuer and builds the login flow.
func NewFlow(ctx context.Context, cfg config.AuthConfig, userStore *users.Store) (*Flow, error) {
	provider, err := gooidc.NewProvider(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, kerrors.NewDependencyUnavailableError("discovering OIDC issuer", err)
	}
	return &Flow{
		verifier: provider.Verifier(&gooidc.Config{ClientID: cfg.OAuthClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			RedirectURL:  cfg.OAuthRedirectURI,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{gooidc.ScopeOpenID, "profile", "email"},
		},
		stateSecret: []byte(cfg.JWTSecret),
		users:       userStore,
	}, nil
}

type stateClaims struct {
	Nonce    string `json:"nonce"`
	ReturnTo string `json:"return_to,omitempty"`
	jwt.RegisteredClaims
}

// AuthCodeURL returns the IdP authorize URL with a signed state parameter.
// returnTo is carried through the round-trip for post-login redirect; only
// relative paths are accepted.
func (f *Flow) AuthCodeURL(returnTo string) (string, error) {
	if returnTo != "" && returnTo[0] != '/' {
		return "", kerrors.NewValidationError("return path must be relative", nil)
	}
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", kerrors.NewInternalError("generating login nonce", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().UTC()
	claims := stateClaims{
		Nonce:    nonce,
		ReturnTo: returnTo,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.stateSecret)
	if err != nil {
		return "", kerrors.NewInternalError("signing login state", err)
	}
	return f.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce)), nil
}

// HandleCallback verifies the state and code, validates the ID token, and
// provisions the user. It returns the user and the requested return path.
func (f *Flow) HandleCallback(ctx context.Context, state, code string) (*users.User, string, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(_ *jwt.Token) (any, error) {
		return f.stateSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, "", kerrors.NewUnauthorizedError("invalid or expired login state", err)
	}

	token, err := f.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, "", kerrors.NewUnauthorizedError("authorization code exchange failed", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, "", kerrors.NewUnauthorizedError("IdP response carried no ID token", nil)
	}

	idToken, err := f.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, "", kerrors.NewUnauthorizedError("ID token verification failed", err)
	}
	if idToken.Nonce != claims.Nonce {
		return nil, "", kerrors.NewUnauthorizedError("ID token nonce mismatch", nil)
	}

	var profile struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := idToken.Claims(&profile); err != nil {
		return nil, "", kerrors.NewUnauthorizedError("decoding ID token claims", err)
	}

	user, err := f.users.Provision(ctx, users.Profile{
		Subject:   idToken.Subject,
		Email:     profile.Email,
		Name:      profile.Name,
		AvatarURL: profile.Picture,
	})
	if err != nil {
		return nil, "", err
	}
	return user, claims.ReturnTo, nil
}
