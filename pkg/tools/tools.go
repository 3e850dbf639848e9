// Package tools is the platform's tool dispatch surface. Every operation an
// agent can invoke is declared as a Tool with a JSON schema; the dispatcher
// enforces role requirements and validates input before the handler runs.
// The MCP server and the JSON fallback endpoints both dispatch through here.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	"github.com/JFK/kagura-ai-sub007/pkg/cache"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

// statsTTL bounds per-day tool usage counters in the cache.
const statsTTL = 30 * 24 * time.Hour

// Handler executes a tool call for the given principal. Input has already
// been validated against the tool's input schema.
type Handler func(ctx context.Context, principal *auth.Identity, input json.RawMessage) (any, error)

// Tool declares one callable operation.
type Tool struct {
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	Description   string          `json:"description"`
	InputSchema   json.RawMessage `json:"input_schema"`
	OutputSchema  json.RawMessage `json:"output_schema,omitempty"`
	RequiredRole  users.Role      `json:"required_role"`
	RemoteCapable bool            `json:"remote_capable"`
	Handler       Handler         `json:"-"`
}

// Registry holds the registered tools. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Duplicate names are a conflict.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil || strings.TrimSpace(tool.Name) == "" {
		return kerrors.NewValidationError("tool name must not be empty", nil)
	}
	if tool.Handler == nil {
		return kerrors.NewValidationError("tool has no handler", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name]; ok {
		return kerrors.NewConflictError("tool already registered: "+tool.Name, nil)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, kerrors.NewNotFoundError("unknown tool: "+name, nil)
	}
	return tool, nil
}

// List returns every registered tool, sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VisibleTo returns the tools the role may call, sorted by name. With
// remoteOnly set, tools not exposable over remote transports are dropped.
func (r *Registry) VisibleTo(role users.Role, remoteOnly bool) []*Tool {
	all := r.List()
	out := make([]*Tool, 0, len(all))
	for _, tool := range all {
		if remoteOnly && !tool.RemoteCapable {
			continue
		}
		if !role.Allows(tool.RequiredRole) {
			continue
		}
		out = append(out, tool)
	}
	return out
}

// Dispatcher routes validated tool calls to their handlers.
type Dispatcher struct {
	registry *Registry
	kv       cache.Cache
}

// NewDispatcher creates a dispatcher. kv may be nil to disable usage
// counters.
func NewDispatcher(registry *Registry, kv cache.Cache) *Dispatcher {
	return &Dispatcher{registry: registry, kv: kv}
}

// Registry returns the underlying tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Call dispatches one tool invocation: lookup, role check, schema
// validation, handler. Usage counters are best-effort.
func (d *Dispatcher) Call(ctx context.Context, principal *auth.Identity, name string, input json.RawMessage) (any, error) {
	tool, err := d.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if principal == nil {
		return nil, kerrors.NewUnauthorizedError("tool calls require a principal", nil)
	}
	if !principal.Role.Allows(tool.RequiredRole) {
		return nil, kerrors.NewForbiddenError("role does not permit tool: "+name, nil)
	}
	if err := validateInput(tool, input); err != nil {
		return nil, err
	}

	result, err := tool.Handler(ctx, principal, input)
	if err != nil {
		return nil, err
	}
	go d.recordUse(name)
	return result, nil
}

func validateInput(tool *Tool, input json.RawMessage) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	schema := gojsonschema.NewBytesLoader(tool.InputSchema)
	document := gojsonschema.NewBytesLoader(input)
	result, err := gojsonschema.Validate(schema, document)
	if err != nil {
		return kerrors.NewValidationError("tool input is not valid JSON", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return kerrors.NewValidationError("tool input rejected: "+strings.Join(details, "; "), nil)
	}
	return nil
}

func (d *Dispatcher) recordUse(name string) {
	if d.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	day := time.Now().UTC().Format("2006-01-02")
	if _, err := d.kv.IncrBy(ctx, cache.ToolStatsKey(name, day), 1, statsTTL); err != nil {
		logger.Debugw("tool usage counter failed", "tool", name, "error", err)
	}
}
