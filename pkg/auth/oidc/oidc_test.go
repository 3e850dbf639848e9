package oidc

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JFK/kagura-ai-sub007/pkg/config"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage/sqlite"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

func newFlowEnv(t *testing.T) (*Flow, *mockoidc.MockOIDC, *users.Store) {
	t.Helper()
	ctx := context.Background()

	idp, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = idp.Shutdown() })

	backend, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "oidc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	require.NoError(t, backend.Migrate(ctx))
	userStore := users.NewStore(backend)

	flow, err := NewFlow(ctx, config.AuthConfig{
		OIDCIssuer:        idp.Issuer(),
		OAuthClientID:     idp.ClientID,
		OAuthClientSecret: idp.ClientSecret,
		OAuthRedirectURI:  "http://localhost/auth/callback",
		JWTSecret:         "test-jwt-secret",
	}, userStore)
	require.NoError(t, err)
	return flow, idp, userStore
}

// followAuthorize performs the IdP authorize redirect without following it,
// returning the code and state from the callback location.
func followAuthorize(t *testing.T, authURL string) (code, state string) {
	t.Helper()
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("code"), loc.Query().Get("state")
}

func TestLoginFlow(t *testing.T) {
	flow, idp, userStore := newFlowEnv(t)
	ctx := context.Background()

	idp.QueueUser(&mockoidc.MockUser{
		Subject: "idp-subject-1",
		Email:   "alice@example.com",
	})

	authURL, err := flow.AuthCodeURL("/dashboard")
	require.NoError(t, err)
	code, state := followAuthorize(t, authURL)
	require.NotEmpty(t, code)

	user, returnTo, err := flow.HandleCallback(ctx, state, code)
	require.NoError(t, err)
	assert.Equal(t, "idp-subject-1", user.Subject)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, "/dashboard", returnTo)
	// first login bootstraps the admin
	assert.Equal(t, users.RoleAdmin, user.Role)

	// the user is persisted
	stored, err := userStore.GetBySubject(ctx, "idp-subject-1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.ID)
}

func TestAuthCodeURLRejectsAbsoluteReturn(t *testing.T) {
	flow, _, _ := newFlowEnv(t)
	_, err := flow.AuthCodeURL("https://evil.example.com/")
	assert.True(t, kerrors.IsValidation(err))
}

func TestCallbackRejectsForgedState(t *testing.T) {
	flow, idp, _ := newFlowEnv(t)
	ctx := context.Background()

	idp.QueueUser(&mockoidc.MockUser{Subject: "idp-subject-2", Email: "bob@example.com"})
	authURL, err := flow.AuthCodeURL("")
	require.NoError(t, err)
	code, _ := followAuthorize(t, authURL)

	_, _, err = flow.HandleCallback(ctx, "not-a-signed-state", code)
	assert.True(t, kerrors.IsUnauthorized(err))
}

func TestCallbackRejectsBadCode(t *testing.T) {
	flow, _, _ := newFlowEnv(t)

	authURL, err := flow.AuthCodeURL("")
	require.NoError(t, err)
	// extract the genuine state without visiting the IdP
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")

	_, _, err = flow.HandleCallback(context.Background(), state, "bogus-code")
	assert.True(t, kerrors.IsUnauthorized(err))
}
