package tools

import (
	"context"
	"encoding/json"

	"github.com/JFK/kagura-ai-sub007/pkg/apikeys"
	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/graph"
	"github.com/JFK/kagura-ai-sub007/pkg/memory"
	"github.com/JFK/kagura-ai-sub007/pkg/retrieval"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

const toolVersion = "1.0"

// Deps are the domain services the builtin tools call into.
type Deps struct {
	Memories  *memory.Store
	Retrieval *retrieval.Engine
	Graph     *graph.Graph
	APIKeys   *apikeys.Manager
	Audit     *audit.Logger
}

// memoryFilterInput is the wire shape of a memory filter in tool inputs.
type memoryFilterInput struct {
	AgentName     string   `json:"agent_name,omitempty"`
	Scope         string   `json:"scope,omitempty"`
	Kind          string   `json:"kind,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ImportanceMin *float64 `json:"importance_min,omitempty"`
	ImportanceMax *float64 `json:"importance_max,omitempty"`
	KeyPrefix     string   `json:"key_prefix,omitempty"`
}

func (f memoryFilterInput) filter() memory.Filter {
	return memory.Filter{
		AgentName:     f.AgentName,
		Scope:         f.Scope,
		Kind:          f.Kind,
		Tags:          f.Tags,
		ImportanceMin: f.ImportanceMin,
		ImportanceMax: f.ImportanceMax,
		KeyPrefix:     f.KeyPrefix,
	}
}

const memoryFilterSchema = `{
	"type": "object",
	"properties": {
		"agent_name": {"type": "string"},
		"scope": {"type": "string", "enum": ["working", "persistent"]},
		"kind": {"type": "string", "enum": ["normal", "coding"]},
		"tags": {"type": "array", "items": {"type": "string"}},
		"importance_min": {"type": "number"},
		"importance_max": {"type": "number"},
		"key_prefix": {"type": "string"}
	}
}`

// recordSchema describes one stored memory in tool outputs.
const recordSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"owner_user_id": {"type": "string"},
		"agent_name": {"type": "string"},
		"key": {"type": "string"},
		"value": {"type": "string"},
		"scope": {"type": "string"},
		"kind": {"type": "string"},
		"importance": {"type": "number"},
		"tags": {"type": "array", "items": {"type": "string"}},
		"metadata": {"type": "object"},
		"needs_reindex": {"type": "boolean"},
		"access_count": {"type": "integer"},
		"created_at": {"type": "string", "format": "date-time"},
		"updated_at": {"type": "string", "format": "date-time"},
		"last_accessed_at": {"type": "string", "format": "date-time"}
	}
}`

const nodeSchema = `{
	"type": "object",
	"properties": {
		"node_id": {"type": "string"},
		"type": {"type": "string"},
		"memory_id": {"type": "string"},
		"attrs": {"type": "object"},
		"created_at": {"type": "string", "format": "date-time"},
		"updated_at": {"type": "string", "format": "date-time"}
	}
}`

const edgeSchema = `{
	"type": "object",
	"properties": {
		"src": {"type": "string"},
		"dst": {"type": "string"},
		"relation": {"type": "string"},
		"weight": {"type": "number"},
		"valid_from": {"type": "string", "format": "date-time"},
		"valid_until": {"type": "string", "format": "date-time"},
		"attrs": {"type": "object"},
		"created_at": {"type": "string", "format": "date-time"}
	}
}`

const apikeySchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"owner_user_id": {"type": "string"},
		"name": {"type": "string"},
		"key_prefix": {"type": "string"},
		"created_at": {"type": "string", "format": "date-time"},
		"expires_at": {"type": "string", "format": "date-time"},
		"revoked_at": {"type": "string", "format": "date-time"},
		"last_used_at": {"type": "string", "format": "date-time"}
	}
}`

var removedOutputSchema = json.RawMessage(`{
	"type": "object",
	"required": ["removed"],
	"properties": {"removed": {"type": "boolean"}}
}`)

// RegisterBuiltins registers the platform's builtin tool table.
func RegisterBuiltins(registry *Registry, deps Deps) error {
	builtins := []*Tool{
		{
			Name:          "memory_put",
			Description:   "Store or replace a memory under (agent_name, key).",
			RequiredRole:  users.RoleUser,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["agent_name", "key", "value"],
				"properties": {
					"agent_name": {"type": "string"},
					"key": {"type": "string"},
					"value": {"type": "string"},
					"scope": {"type": "string", "enum": ["working", "persistent"]},
					"kind": {"type": "string", "enum": ["normal", "coding"]},
					"importance": {"type": "number"},
					"tags": {"type": "array", "items": {"type": "string"}},
					"metadata": {"type": "object"},
					"compute_embedding": {"type": "boolean"}
				}
			}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["record"],
				"properties": {
					"record": ` + recordSchema + `,
					"warning": {"type": "string"}
				}
			}`),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req memory.PutRequest
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding memory_put input", err)
				}
				rec, err := deps.Memories.Put(ctx, p.UserID, req)
				if err != nil && !kerrors.IsPartialSuccess(err) {
					return nil, err
				}
				out := map[string]any{"record": rec}
				if err != nil {
					out["warning"] = err.Error()
				}
				return out, nil
			},
		},
		{
			Name:          "memory_get",
			Description:   "Fetch one memory by (agent_name, key).",
			RequiredRole:  users.RoleReadOnly,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["agent_name", "key"],
				"properties": {
					"agent_name": {"type": "string"},
					"key": {"type": "string"}
				}
			}`),
			OutputSchema: json.RawMessage(recordSchema),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req struct {
					AgentName string `json:"agent_name"`
					Key       string `json:"key"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding memory_get input", err)
				}
				return deps.Memories.Get(ctx, p.UserID, req.AgentName, req.Key)
			},
		},
		{
			Name:          "memory_list",
			Description:   "List memories matching a filter, newest first.",
			RequiredRole:  users.RoleReadOnly,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"filter": ` + memoryFilterSchema + `,
					"limit": {"type": "integer", "minimum": 0},
					"offset": {"type": "integer", "minimum": 0}
				}
			}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["records", "total"],
				"properties": {
					"records": {"type": "array", "items": ` + recordSchema + `},
					"total": {"type": "integer"}
				}
			}`),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req struct {
					Filter memoryFilterInput `json:"filter"`
					Limit  int               `json:"limit"`
					Offset int               `json:"offset"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding memory_list input", err)
				}
				records, total, err := deps.Memories.List(ctx, p.UserID, req.Filter.filter(), memory.Page{
					Limit:  req.Limit,
					Offset: req.Offset,
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"records": records, "total": total}, nil
			},
		},
		{
			Name:          "memory_update",
			Description:   "Partially update a memory; omitted fields are untouched.",
			RequiredRole:  users.RoleUser,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["agent_name", "key"],
				"properties": {
					"agent_name": {"type": "string"},
					"key": {"type": "string"},
					"value": {"type": "string"},
					"scope": {"type": "string", "enum": ["working", "persistent"]},
					"kind": {"type": "string", "enum": ["normal", "coding"]},
					"importance": {"type": "number"},
					"tags": {"type": "array", "items": {"type": "string"}},
					"metadata": {"type": "object"}
				}
			}`),
			OutputSchema: json.RawMessage(recordSchema),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req struct {
					AgentName string `json:"agent_name"`
					Key       string `json:"key"`
					memory.Patch
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding memory_update input", err)
				}
				return deps.Memories.Update(ctx, p.UserID, req.AgentName, req.Key, req.Patch)
			},
		},
		{
			Name:          "memory_delete",
			Description:   "Delete a memory. Deleting an absent key succeeds.",
			RequiredRole:  users.RoleUser,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["agent_name", "key"],
				"properties": {
					"agent_name": {"type": "string"},
					"key": {"type": "string"}
				}
			}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["deleted"],
				"properties": {"deleted": {"type": "boolean"}}
			}`),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req struct {
					AgentName string `json:"agent_name"`
					Key       string `json:"key"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding memory_delete input", err)
				}
				if err := deps.Memories.Delete(ctx, p.UserID, req.AgentName, req.Key); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": true}, nil
			},
		},
		{
			Name:          "memory_stats",
			Description:   "Aggregate statistics over the caller's memories.",
			RequiredRole:  users.RoleReadOnly,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"total": {"type": "integer"},
					"by_scope": {"type": "object"},
					"total_bytes": {"type": "integer"},
					"avg_importance": {"type": "number"},
					"distinct_agents": {"type": "integer"},
					"tag_counts": {"type": "object"},
					"needs_reindex": {"type": "integer"}
				}
			}`),
			Handler: func(ctx context.Context, p *auth.Identity, _ json.RawMessage) (any, error) {
				return deps.Memories.Stats(ctx, p.UserID)
			},
		},
		{
			Name:          "memory_search",
			Description:   "Hybrid lexical+vector search over the caller's memories.",
			RequiredRole:  users.RoleReadOnly,
			RemoteCapable: true,
			InputSchema:   searchSchema,
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["results"],
				"properties": {
					"results": {"type": "array", "items": {
						"type": "object",
						"properties": {
							"record": ` + recordSchema + `,
							"score": {"type": "number"},
							"origins": {"type": "array", "items": {"type": "string"}}
						}
					}}
				}
			}`),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				req, err := decodeSearch(input)
				if err != nil {
					return nil, err
				}
				owner, err := searchSpace(p, req.TargetUserID)
				if err != nil {
					return nil, err
				}
				results, err := deps.Retrieval.Search(ctx, owner, req)
				if err != nil {
					return nil, err
				}
				return map[string]any{"results": results}, nil
			},
		},
		{
			Name:          "memory_search_ids",
			Description:   "Hybrid search returning ids and previews only.",
			RequiredRole:  users.RoleReadOnly,
			RemoteCapable: true,
			InputSchema:   searchSchema,
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["results"],
				"properties": {
					"results": {"type": "array", "items": {
						"type": "object",
						"properties": {
							"id": {"type": "string"},
							"agent_name": {"type": "string"},
							"key": {"type": "string"},
							"preview": {"type": "string"},
							"score": {"type": "number"},
							"origins": {"type": "array", "items": {"type": "string"}}
						}
					}}
				}
			}`),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				req, err := decodeSearch(input)
				if err != nil {
					return nil, err
				}
				owner, err := searchSpace(p, req.TargetUserID)
				if err != nil {
					return nil, err
				}
				results, err := deps.Retrieval.SearchIDs(ctx, owner, req)
				if err != nil {
					return nil, err
				}
				return map[string]any{"results": results}, nil
			},
		},
		{
			Name:          "graph_add_node",
			Description:   "Create or refresh a knowledge-graph node.",
			RequiredRole:  users.RoleUser,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["node_id", "type"],
				"properties": {
					"node_id": {"type": "string"},
					"type": {"type": "string"},
					"memory_id": {"type": "string"},
					"attrs": {"type": "object"}
				}
			}`),
			OutputSchema: json.RawMessage(nodeSchema),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req graph.AddNodeRequest
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding graph_add_node input", err)
				}
				return deps.Graph.AddNode(ctx, p.UserID, req)
			},
		},
		{
			Name:          "graph_add_edge",
			Description:   "Create or refresh a directed edge between two nodes.",
			RequiredRole:  users.RoleUser,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["src", "dst", "relation"],
				"properties": {
					"src": {"type": "string"},
					"dst": {"type": "string"},
					"relation": {"type": "string"},
					"weight": {"type": "number"},
					"valid_from": {"type": "string", "format": "date-time"},
					"valid_until": {"type": "string", "format": "date-time"},
					"attrs": {"type": "object"}
				}
			}`),
			OutputSchema: json.RawMessage(edgeSchema),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req graph.AddEdgeRequest
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding graph_add_edge input", err)
				}
				return deps.Graph.AddEdge(ctx, p.UserID, req)
			},
		},
		{
			Name:          "graph_neighbors",
			Description:   "List a node's direct neighbors.",
			RequiredRole:  users.RoleReadOnly,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["node_id"],
				"properties": {
					"node_id": {"type": "string"},
					"relation": {"type": "string"},
					"direction": {"type": "string", "enum": ["out", "in", "both"]}
				}
			}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["neighbors"],
				"properties": {
					"neighbors": {"type": "array", "items": {
						"type": "object",
						"properties": {
							"node": ` + nodeSchema + `,
							"edge": ` + edgeSchema + `,
							"direction": {"type": "string"}
						}
					}}
				}
			}`),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req struct {
					NodeID    string `json:"node_id"`
					Relation  string `json:"relation"`
					Direction string `json:"direction"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding graph_neighbors input", err)
				}
				neighbors, err := deps.Graph.Neighbors(ctx, p.UserID, req.NodeID, req.Relation, req.Direction)
				if err != nil {
					return nil, err
				}
				return map[string]any{"neighbors": neighbors}, nil
			},
		},
		{
			Name:          "graph_query",
			Description:   "Bounded breadth-first traversal from one or more start nodes.",
			RequiredRole:  users.RoleReadOnly,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["start_ids"],
				"properties": {
					"start_ids": {"type": "array", "items": {"type": "string"}, "minItems": 1},
					"relations": {"type": "array", "items": {"type": "string"}},
					"max_depth": {"type": "integer", "minimum": 1},
					"direction": {"type": "string", "enum": ["out", "in", "both"]},
					"as_of": {"type": "string", "format": "date-time"}
				}
			}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["hits"],
				"properties": {
					"hits": {"type": "array", "items": {
						"type": "object",
						"properties": {
							"node": ` + nodeSchema + `,
							"depth": {"type": "integer"},
							"path": {"type": "array", "items": {"type": "string"}}
						}
					}}
				}
			}`),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req graph.TraverseRequest
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding graph_query input", err)
				}
				hits, err := deps.Graph.Traverse(ctx, p.UserID, req)
				if err != nil {
					return nil, err
				}
				return map[string]any{"hits": hits}, nil
			},
		},
		{
			Name:          "graph_remove_node",
			Description:   "Remove a node and every edge touching it.",
			RequiredRole:  users.RoleUser,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["node_id"],
				"properties": {"node_id": {"type": "string"}}
			}`),
			OutputSchema: removedOutputSchema,
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req struct {
					NodeID string `json:"node_id"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding graph_remove_node input", err)
				}
				if err := deps.Graph.RemoveNode(ctx, p.UserID, req.NodeID); err != nil {
					return nil, err
				}
				return map[string]any{"removed": true}, nil
			},
		},
		{
			Name:          "graph_remove_edge",
			Description:   "Remove one edge identified by (src, dst, relation).",
			RequiredRole:  users.RoleUser,
			RemoteCapable: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["src", "dst", "relation"],
				"properties": {
					"src": {"type": "string"},
					"dst": {"type": "string"},
					"relation": {"type": "string"}
				}
			}`),
			OutputSchema: removedOutputSchema,
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req struct {
					Src      string `json:"src"`
					Dst      string `json:"dst"`
					Relation string `json:"relation"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding graph_remove_edge input", err)
				}
				if err := deps.Graph.RemoveEdge(ctx, p.UserID, req.Src, req.Dst, req.Relation); err != nil {
					return nil, err
				}
				return map[string]any{"removed": true}, nil
			},
		},
		{
			Name:         "apikey_list",
			Description:  "List the caller's API keys. Only display prefixes are shown.",
			RequiredRole: users.RoleReadOnly,
			InputSchema:  json.RawMessage(`{"type": "object", "properties": {}}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["keys"],
				"properties": {
					"keys": {"type": "array", "items": ` + apikeySchema + `}
				}
			}`),
			Handler: func(ctx context.Context, p *auth.Identity, _ json.RawMessage) (any, error) {
				keys, err := deps.APIKeys.List(ctx, p.UserID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"keys": keys}, nil
			},
		},
		{
			Name:         "apikey_create",
			Description:  "Issue a new API key. The plaintext is returned exactly once.",
			RequiredRole: users.RoleUser,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string"},
					"expires_days": {"type": "integer", "minimum": 0}
				}
			}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["key", "plaintext"],
				"properties": {
					"key": ` + apikeySchema + `,
					"plaintext": {"type": "string"}
				}
			}`),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req struct {
					Name        string `json:"name"`
					ExpiresDays int    `json:"expires_days"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding apikey_create input", err)
				}
				created, err := deps.APIKeys.Create(ctx, p.UserID, req.Name, req.ExpiresDays)
				if err != nil {
					return nil, err
				}
				deps.Audit.MustRecord(ctx, audit.Event{
					ActorEmail:  p.Email,
					ActorUserID: p.UserID,
					Action:      audit.ActionAPIKeyCreate,
					Resource:    created.Key.ID,
				})
				return created, nil
			},
		},
		{
			Name:         "apikey_revoke",
			Description:  "Revoke one of the caller's API keys.",
			RequiredRole: users.RoleUser,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["id"],
				"properties": {"id": {"type": "string"}}
			}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["revoked"],
				"properties": {"revoked": {"type": "boolean"}}
			}`),
			Handler: func(ctx context.Context, p *auth.Identity, input json.RawMessage) (any, error) {
				var req struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, kerrors.NewValidationError("decoding apikey_revoke input", err)
				}
				if err := deps.APIKeys.Revoke(ctx, p.UserID, req.ID); err != nil {
					return nil, err
				}
				deps.Audit.MustRecord(ctx, audit.Event{
					ActorEmail:  p.Email,
					ActorUserID: p.UserID,
					Action:      audit.ActionAPIKeyRevoke,
					Resource:    req.ID,
				})
				return map[string]any{"revoked": true}, nil
			},
		},
		{
			Name:          "list_tools",
			Description:   "List the tools visible to the caller, with schemas.",
			RequiredRole:  users.RoleReadOnly,
			RemoteCapable: true,
			InputSchema:   json.RawMessage(`{"type": "object", "properties": {}}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["tools"],
				"properties": {
					"tools": {"type": "array", "items": {
						"type": "object",
						"properties": {
							"name": {"type": "string"},
							"version": {"type": "string"},
							"description": {"type": "string"},
							"input_schema": {"type": "object"},
							"output_schema": {"type": "object"},
							"required_role": {"type": "string"}
						}
					}}
				}
			}`),
			Handler: func(_ context.Context, p *auth.Identity, _ json.RawMessage) (any, error) {
				visible := registry.VisibleTo(p.Role, false)
				return map[string]any{"tools": describe(visible)}, nil
			},
		},
	}

	for _, tool := range builtins {
		tool.Version = toolVersion
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

var searchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query_text": {"type": "string"},
		"k": {"type": "integer", "minimum": 0},
		"mode": {"type": "string", "enum": ["hybrid", "vector", "lexical"]},
		"rerank": {"type": "boolean"},
		"mark_as_read": {"type": "boolean"},
		"target_user_id": {"type": "string"},
		"filter": ` + memoryFilterSchema + `
	}
}`)

func decodeSearch(input json.RawMessage) (retrieval.SearchRequest, error) {
	var req struct {
		QueryText    string            `json:"query_text"`
		K            int               `json:"k"`
		Mode         string            `json:"mode"`
		Rerank       bool              `json:"rerank"`
		MarkAsRead   bool              `json:"mark_as_read"`
		TargetUserID string            `json:"target_user_id"`
		Filter       memoryFilterInput `json:"filter"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return retrieval.SearchRequest{}, kerrors.NewValidationError("decoding search input", err)
	}
	return retrieval.SearchRequest{
		QueryText:    req.QueryText,
		K:            req.K,
		Mode:         req.Mode,
		Rerank:       req.Rerank,
		MarkAsRead:   req.MarkAsRead,
		TargetUserID: req.TargetUserID,
		Filter:       req.Filter.filter(),
	}, nil
}

// searchSpace resolves which user's memories a search call reads. Targeting
// another user's space is admin-only.
func searchSpace(p *auth.Identity, target string) (string, error) {
	if target == "" || target == p.UserID {
		return p.UserID, nil
	}
	if !p.Role.Allows(users.RoleAdmin) {
		return "", kerrors.NewForbiddenError("only admins may search another user's memories", nil)
	}
	return target, nil
}

// ToolInfo is the caller-facing description of a tool.
type ToolInfo struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	RequiredRole users.Role      `json:"required_role"`
}

func describe(list []*Tool) []ToolInfo {
	out := make([]ToolInfo, 0, len(list))
	for _, tool := range list {
		out = append(out, ToolInfo{
			Name:         tool.Name,
			Version:      tool.Version,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			OutputSchema: tool.OutputSchema,
			RequiredRole: tool.RequiredRole,
		})
	}
	return out
}

// Describe exposes the ToolInfo projection for HTTP surfaces.
func Describe(list []*Tool) []ToolInfo { return describe(list) }
