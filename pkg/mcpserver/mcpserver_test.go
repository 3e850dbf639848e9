package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	"github.com/JFK/kagura-ai-sub007/pkg/tools"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	registry := tools.NewRegistry()

	echo := func(name string, role users.Role, remote bool) *tools.Tool {
		return &tools.Tool{
			Name:          name,
			Description:   "echoes its input",
			RequiredRole:  role,
			RemoteCapable: remote,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["message"],
				"properties": {"message": {"type": "string"}}
			}`),
			Handler: func(_ context.Context, _ *auth.Identity, input json.RawMessage) (any, error) {
				var req struct {
					Message string `json:"message"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, err
				}
				return map[string]any{"echo": req.Message}, nil
			},
		}
	}
	require.NoError(t, registry.Register(echo("echo_read", users.RoleReadOnly, true)))
	require.NoError(t, registry.Register(echo("echo_admin", users.RoleAdmin, true)))
	require.NoError(t, registry.Register(echo("echo_local", users.RoleReadOnly, false)))

	return New(tools.NewDispatcher(registry, nil), "test")
}

func principal(role users.Role) *auth.Identity {
	return &auth.Identity{
		Subject:    "sub-1",
		UserID:     "user-1",
		Email:      "user@example.com",
		Role:       role,
		AuthMethod: auth.MethodAPIKey,
	}
}

func callToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func TestToolHandlerDispatches(t *testing.T) {
	t.Parallel()
	s := testServer(t)
	ctx := auth.WithIdentity(context.Background(), principal(users.RoleUser))

	result, err := s.toolHandler("echo_read")(ctx, callToolRequest("echo_read", map[string]any{"message": "hi"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, map[string]any{"echo": "hi"}, result.StructuredContent)
}

func TestToolHandlerErrorsAreToolResults(t *testing.T) {
	t.Parallel()
	s := testServer(t)

	// missing principal
	result, err := s.toolHandler("echo_read")(context.Background(), callToolRequest("echo_read", map[string]any{"message": "hi"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// role below the tool's requirement
	ctx := auth.WithIdentity(context.Background(), principal(users.RoleReadOnly))
	result, err = s.toolHandler("echo_admin")(ctx, callToolRequest("echo_admin", map[string]any{"message": "hi"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// schema violation
	result, err = s.toolHandler("echo_read")(ctx, callToolRequest("echo_read", map[string]any{"message": 7}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func fallbackRouter(s *Server, identity *auth.Identity) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if identity != nil {
				req = req.WithContext(auth.WithIdentity(req.Context(), identity))
			}
			next.ServeHTTP(w, req)
		})
	})
	s.MountFallback(r)
	return r
}

func TestListToolsFallback(t *testing.T) {
	t.Parallel()
	s := testServer(t)
	router := fallbackRouter(s, principal(users.RoleReadOnly))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp/tools", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tools []tools.ToolInfo `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	names := make([]string, 0, len(body.Tools))
	for _, info := range body.Tools {
		names = append(names, info.Name)
	}
	// remote tools the role may call; local-only tools never show
	assert.Equal(t, []string{"echo_read"}, names)
}

func TestListToolsRequiresAuth(t *testing.T) {
	t.Parallel()
	s := testServer(t)
	router := fallbackRouter(s, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp/tools", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallFallback(t *testing.T) {
	t.Parallel()
	s := testServer(t)
	router := fallbackRouter(s, principal(users.RoleUser))

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/mcp/call", strings.NewReader(body))
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"name": "echo_read", "input": {"message": "hi"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var ok struct {
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	assert.Equal(t, map[string]any{"echo": "hi"}, ok.Result)

	// local-only tools are invisible remotely
	assert.Equal(t, http.StatusNotFound, post(`{"name": "echo_local", "input": {"message": "hi"}}`).Code)

	// role enforcement still applies
	assert.Equal(t, http.StatusForbidden, post(`{"name": "echo_admin", "input": {"message": "hi"}}`).Code)

	// malformed requests
	assert.Equal(t, http.StatusBadRequest, post(`{"input": {}}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)
}
