package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JFK/kagura-ai-sub007/pkg/apikeys"
	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	"github.com/JFK/kagura-ai-sub007/pkg/authserver"
	"github.com/JFK/kagura-ai-sub007/pkg/cache"
	"github.com/JFK/kagura-ai-sub007/pkg/config"
	"github.com/JFK/kagura-ai-sub007/pkg/embeddings"
	"github.com/JFK/kagura-ai-sub007/pkg/graph"
	"github.com/JFK/kagura-ai-sub007/pkg/mcpserver"
	"github.com/JFK/kagura-ai-sub007/pkg/memory"
	"github.com/JFK/kagura-ai-sub007/pkg/retrieval"
	"github.com/JFK/kagura-ai-sub007/pkg/storage/sqlite"
	"github.com/JFK/kagura-ai-sub007/pkg/tools"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
	"github.com/JFK/kagura-ai-sub007/pkg/vault"
	"github.com/JFK/kagura-ai-sub007/pkg/vector/chromem"
)

type testEnv struct {
	router   http.Handler
	deps     Deps
	admin    *users.User
	user     *users.User
	reader   *users.User
	adminKey string
	userKey  string
	readKey  string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	backend, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	require.NoError(t, backend.Migrate(ctx))

	index, err := chromem.New("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	kv := cache.NewMemory()
	t.Cleanup(func() { _ = kv.Close() })

	userStore := users.NewStore(backend)
	admin, err := userStore.Provision(ctx, users.Profile{Subject: "sub-admin", Email: "admin@example.com", Name: "Admin"})
	require.NoError(t, err)
	user, err := userStore.Provision(ctx, users.Profile{Subject: "sub-user", Email: "user@example.com", Name: "User"})
	require.NoError(t, err)
	reader, err := userStore.Provision(ctx, users.Profile{Subject: "sub-read", Email: "reader@example.com", Name: "Reader"})
	require.NoError(t, err)
	reader, err = userStore.SetRole(ctx, reader.ID, users.RoleReadOnly)
	require.NoError(t, err)

	gateway := embeddings.NewGateway(embeddings.NewPlaceholder(64), embeddings.GatewayConfig{})
	memories := memory.NewStore(backend, index, gateway, kv)
	engine := retrieval.NewEngine(backend, index, gateway, memories, 0)
	graphs := graph.New(backend)
	keys := apikeys.NewManager(backend, kv)
	auditLog := audit.NewLogger(backend)

	vaultKey := bytes.Repeat([]byte{0x24}, 32)
	secrets, err := vault.New(backend, vaultKey)
	require.NoError(t, err)

	sessions := auth.NewSessions(kv, time.Hour)
	csrf := auth.NewCSRF("test-jwt-secret")

	store := authserver.NewStore(backend)
	clients := authserver.NewClients(backend)
	authSrv := authserver.New(store, clients, "http://127.0.0.1", "test-jwt-secret")

	authenticator := auth.NewAuthenticator(sessions, userStore, authSrv, keys, csrf)

	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, tools.Deps{
		Memories:  memories,
		Retrieval: engine,
		Graph:     graphs,
		APIKeys:   keys,
		Audit:     auditLog,
	}))
	mcp := mcpserver.New(tools.NewDispatcher(registry, kv), "test")

	cfg := &config.Config{
		ListenAddr: "127.0.0.1:0",
		PublicURL:  "http://127.0.0.1:8080",
		Memory:     config.MemoryConfig{WorkingTTL: 7 * 24 * time.Hour},
	}

	deps := Deps{
		Config:        cfg,
		Backend:       backend,
		KV:            kv,
		Index:         index,
		Users:         userStore,
		Sessions:      sessions,
		CSRF:          csrf,
		Authenticator: authenticator,
		AuthServer:    authSrv,
		Memories:      memories,
		Retrieval:     engine,
		Graph:         graphs,
		APIKeys:       keys,
		Vault:         secrets,
		Audit:         auditLog,
		MCP:           mcp,
	}

	newKey := func(owner string) string {
		created, err := keys.Create(ctx, owner, "test key", 0)
		require.NoError(t, err)
		return created.Plaintext
	}

	return &testEnv{
		router:   NewRouter(deps),
		deps:     deps,
		admin:    admin,
		user:     user,
		reader:   reader,
		adminKey: newKey(admin.ID),
		userKey:  newKey(user.ID),
		readKey:  newKey(reader.ID),
	}
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestMemoryCRUDOverHTTP(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/memory", env.userKey, map[string]any{
		"agent_name": "assistant",
		"key":        "prefs/theme",
		"value":      "dark mode preferred",
		"tags":       []string{"prefs"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/memory/assistant/prefs/theme", env.userKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[struct {
		Record memory.Record `json:"record"`
	}](t, rec)
	assert.Equal(t, "dark mode preferred", got.Record.Value)

	rec = env.do(t, http.MethodPut, "/api/v1/memory/assistant/prefs/theme", env.userKey, map[string]any{
		"value": "light mode now",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/memory?agent_name=assistant", env.userKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Records []memory.Record `json:"records"`
		Total   int64           `json:"total"`
	}](t, rec)
	require.EqualValues(t, 1, list.Total)
	assert.Equal(t, "light mode now", list.Records[0].Value)

	rec = env.do(t, http.MethodGet, "/api/v1/memory/stats", env.userKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/memory/assistant/prefs/theme", env.userKey, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/memory/assistant/prefs/theme", env.userKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMemorySearchOverHTTP(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	for _, kv := range [][2]string{
		{"notes/go", "golang channels and goroutines"},
		{"notes/cooking", "how to proof sourdough"},
	} {
		rec := env.do(t, http.MethodPost, "/api/v1/memory", env.userKey, map[string]any{
			"agent_name": "assistant", "key": kv[0], "value": kv[1],
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/api/v1/memory/search", env.userKey, map[string]any{
		"query_text": "goroutines",
		"k":          5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[struct {
		Results []retrieval.Result `json:"results"`
	}](t, rec)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "notes/go", out.Results[0].Record.Key)

	rec = env.do(t, http.MethodPost, "/api/v1/memory/search/ids", env.userKey, map[string]any{
		"query_text": "sourdough",
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminTargetedSearch(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/memory", env.userKey, map[string]any{
		"agent_name": "assistant", "key": "notes/incident", "value": "postmortem for the deploy outage",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// admins may search another user's space
	rec = env.do(t, http.MethodPost, "/api/v1/memory/search", env.adminKey, map[string]any{
		"query_text":     "postmortem",
		"k":              5,
		"mode":           "lexical",
		"target_user_id": env.user.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[struct {
		Results []retrieval.Result `json:"results"`
	}](t, rec)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "notes/incident", out.Results[0].Record.Key)
	assert.Equal(t, env.user.ID, out.Results[0].Record.OwnerUserID)

	// non-admins may not
	rec = env.do(t, http.MethodPost, "/api/v1/memory/search", env.readKey, map[string]any{
		"query_text":     "postmortem",
		"k":              5,
		"mode":           "lexical",
		"target_user_id": env.user.ID,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/memory/search/ids", env.userKey, map[string]any{
		"query_text":     "postmortem",
		"target_user_id": env.admin.ID,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRoleEnforcement(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	// anonymous
	rec := env.do(t, http.MethodGet, "/api/v1/memory", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// read-only cannot write
	rec = env.do(t, http.MethodPost, "/api/v1/memory", env.readKey, map[string]any{
		"agent_name": "assistant", "key": "k", "value": "v",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// read-only can read
	rec = env.do(t, http.MethodGet, "/api/v1/memory", env.readKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// non-admin cannot reach admin surfaces
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/v1/users", env.userKey, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/v1/audit", env.userKey, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/v1/external-api-keys", env.userKey, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/v1/memory/gc", env.userKey, nil).Code)
}

func TestGraphOverHTTP(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	for _, node := range []string{"alice", "acme"} {
		rec := env.do(t, http.MethodPost, "/api/v1/graph/nodes", env.userKey, map[string]any{
			"node_id": node, "type": "entity",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := env.do(t, http.MethodPost, "/api/v1/graph/edges", env.userKey, map[string]any{
		"src": "alice", "dst": "acme", "relation": "works_at",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/graph/nodes/alice/neighbors", env.userKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	neighbors := decodeBody[struct {
		Neighbors []graph.Neighbor `json:"neighbors"`
	}](t, rec)
	require.Len(t, neighbors.Neighbors, 1)
	assert.Equal(t, "acme", neighbors.Neighbors[0].Node.NodeID)

	rec = env.do(t, http.MethodPost, "/api/v1/graph/query", env.userKey, map[string]any{
		"start_ids": []string{"alice"}, "max_depth": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/graph/edges?src=alice&dst=acme&relation=works_at", env.userKey, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/graph/nodes/alice", env.userKey, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAPIKeyRoutes(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/api-keys", env.userKey, map[string]any{
		"name": "ci key", "expires_days": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[struct {
		Key       apikeys.Key `json:"key"`
		Plaintext string      `json:"plaintext"`
	}](t, rec)
	assert.True(t, strings.HasPrefix(created.Plaintext, "kg_"))

	rec = env.do(t, http.MethodGet, "/api/v1/api-keys", env.userKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/api-keys/"+created.Key.ID+"/usage", env.userKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/api-keys/"+created.Key.ID, env.userKey, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// the revoked key no longer authenticates
	rec = env.do(t, http.MethodGet, "/api/v1/memory", created.Plaintext, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	events, err := env.deps.Audit.List(context.Background(), audit.Filter{Action: audit.ActionAPIKeyRevoke})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, created.Key.ID, events[0].Resource)
}

func TestVaultRoutes(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/external-api-keys", env.adminKey, map[string]any{
		"key_name": "openai_api_key", "provider": "openai", "value": "sk-secret-value",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/external-api-keys", env.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret-value")

	rec = env.do(t, http.MethodPut, "/api/v1/external-api-keys/openai_api_key", env.adminKey, map[string]any{
		"value": "sk-rotated-value",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	value, err := env.deps.Vault.GetValue(context.Background(), "openai_api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-rotated-value", value)

	rec = env.do(t, http.MethodDelete, "/api/v1/external-api-keys/openai_api_key", env.adminKey, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	events, err := env.deps.Audit.List(context.Background(), audit.Filter{Action: audit.ActionVaultSet})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestUserAdminAndAudit(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/users", env.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Users []users.User `json:"users"`
	}](t, rec)
	assert.Len(t, list.Users, 3)

	rec = env.do(t, http.MethodPut, "/api/v1/users/"+env.reader.ID+"/role", env.adminKey, map[string]any{
		"role": "user",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/audit?action="+audit.ActionRoleChange, env.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[struct {
		Events []audit.Event `json:"events"`
	}](t, rec)
	require.Len(t, events.Events, 1)
	assert.Equal(t, env.reader.ID, events.Events[0].Resource)
}

func TestOAuthClientAdmin(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodPost, "/oauth/clients", env.adminKey, map[string]any{
		"name":          "dashboard",
		"redirect_uris": []string{"https://dash.example.com/callback"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[map[string]any](t, rec)
	assert.NotEmpty(t, created["secret"])
	clientDoc, _ := created["client"].(map[string]any)
	require.NotNil(t, clientDoc)
	id, _ := clientDoc["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "dashboard", clientDoc["name"])

	events, err := env.deps.Audit.List(context.Background(), audit.Filter{Action: audit.ActionClientRegister})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].Resource)

	rec = env.do(t, http.MethodGet, "/oauth/clients", env.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/oauth/clients/"+id, env.adminKey, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// metadata document is public
	rec = env.do(t, http.MethodGet, "/.well-known/oauth-authorization-server", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionCookieAndCSRF(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()

	sess, err := env.deps.Sessions.Create(ctx, env.user.ID)
	require.NoError(t, err)
	cookie := &http.Cookie{Name: auth.SessionCookie, Value: sess.Token}

	withCookie := func(method, path string, body io.Reader) *http.Request {
		req := httptest.NewRequest(method, path, body)
		req.AddCookie(cookie)
		return req
	}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, withCookie(http.MethodGet, "/auth/me", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// cookie mutations need the CSRF header
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, withCookie(http.MethodPost, "/auth/logout", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, withCookie(http.MethodGet, "/auth/csrf", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	token := decodeBody[map[string]string](t, rec)["csrf_token"]
	require.NotEmpty(t, token)

	rec = httptest.NewRecorder()
	req := withCookie(http.MethodPost, "/auth/logout", nil)
	req.Header.Set(auth.CSRFHeader, token)
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	// the revoked session is gone
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, withCookie(http.MethodGet, "/auth/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMCPFallbackRoutes(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	rec := env.do(t, http.MethodGet, "/mcp/tools", env.readKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memory_search")

	rec = env.do(t, http.MethodPost, "/mcp/call", env.userKey, map[string]any{
		"name":  "memory_put",
		"input": map[string]any{"agent_name": "assistant", "key": "a", "value": "b"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	huge := strings.Repeat("x", maxBodyBytes+1)
	rec := env.do(t, http.MethodPost, "/api/v1/graph/nodes", env.userKey, map[string]any{
		"node_id": "n", "type": "entity", "attrs": map[string]any{"blob": huge},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
