// Package mcpserver exposes the tool registry over the Model Context
// Protocol. Remote-capable tools become MCP tools backed by the dispatcher;
// the server speaks streamable HTTP behind the platform's auth middleware and
// stdio for local use. Plain JSON fallbacks live next to the MCP endpoint for
// clients that do not speak the protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/tools"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

const serverName = "kagura-memory"

// Server wraps an MCP server around the tool dispatcher.
type Server struct {
	dispatcher *tools.Dispatcher
	mcp        *server.MCPServer
}

// New builds the MCP server and registers every remote-capable tool. The
// tool list advertised over MCP is role-agnostic; the dispatcher enforces
// roles when a tool is actually called.
func New(dispatcher *tools.Dispatcher, version string) *Server {
	s := &Server{
		dispatcher: dispatcher,
		mcp: server.NewMCPServer(
			serverName,
			version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
	}
	for _, tool := range dispatcher.Registry().VisibleTo(users.RoleAdmin, true) {
		s.mcp.AddTool(mcp.Tool{
			Name:            tool.Name,
			Description:     tool.Description,
			RawInputSchema:  tool.InputSchema,
			RawOutputSchema: tool.OutputSchema,
		}, s.toolHandler(tool.Name))
	}
	return s
}

// toolHandler adapts one registered tool to the MCP call signature. Domain
// errors surface as tool errors, not protocol errors.
func (s *Server) toolHandler(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identity, ok := auth.IdentityFromContext(ctx)
		if !ok {
			return mcp.NewToolResultError("unauthorized: tool calls require a principal"), nil
		}

		input, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError("invalid tool arguments: " + err.Error()), nil
		}

		result, err := s.dispatcher.Call(ctx, identity, name, input)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultStructuredOnly(result), nil
	}
}

// Handler returns the streamable HTTP transport for mounting at /mcp. The
// request identity resolved by the auth middleware is carried into the tool
// handler context.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(
		s.mcp,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if identity, ok := auth.IdentityFromContext(r.Context()); ok {
				return auth.WithIdentity(ctx, identity)
			}
			return ctx
		}),
	)
}

// ServeStdio serves the MCP protocol over stdin/stdout until ctx is
// cancelled. Every call runs as the given principal; stdio has no transport
// credentials of its own.
func (s *Server) ServeStdio(ctx context.Context, principal *auth.Identity) error {
	logger.Infow("serving MCP over stdio", "principal", principal.Email, "role", principal.Role)
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(auth.WithIdentity(ctx, principal), os.Stdin, os.Stdout)
}

// MountFallback attaches the plain JSON endpoints for clients that do not
// speak MCP. Callers must be authenticated; mount behind the auth middleware.
func (s *Server) MountFallback(r chi.Router) {
	r.Get("/mcp/tools", s.ListToolsHandler)
	r.Post("/mcp/call", s.CallHandler)
}

// ListToolsHandler handles GET /mcp/tools: the remote-capable tools visible
// to the caller's role.
func (s *Server) ListToolsHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		auth.WriteError(w, kerrors.NewUnauthorizedError("authentication required", nil))
		return
	}
	visible := s.dispatcher.Registry().VisibleTo(identity.Role, true)
	writeJSON(w, map[string]any{"tools": tools.Describe(visible)})
}

// callRequest is the body of POST /mcp/call.
type callRequest struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// CallHandler handles POST /mcp/call: one dispatched tool invocation.
func (s *Server) CallHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		auth.WriteError(w, kerrors.NewUnauthorizedError("authentication required", nil))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		auth.WriteError(w, kerrors.NewValidationError("reading request body failed", err))
		return
	}
	var req callRequest
	if err := json.Unmarshal(body, &req); err != nil {
		auth.WriteError(w, kerrors.NewValidationError("request body is not valid JSON", err))
		return
	}
	if req.Name == "" {
		auth.WriteError(w, kerrors.NewValidationError("tool name is required", nil))
		return
	}

	tool, err := s.dispatcher.Registry().Get(req.Name)
	if err == nil && !tool.RemoteCapable {
		// Local-only tools are not reachable through the remote surface.
		err = kerrors.NewNotFoundError("unknown tool: "+req.Name, nil)
	}
	if err != nil {
		auth.WriteError(w, err)
		return
	}

	result, err := s.dispatcher.Call(r.Context(), identity, req.Name, req.Input)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, map[string]any{"result": result})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("encoding response failed", "error", err)
	}
}
