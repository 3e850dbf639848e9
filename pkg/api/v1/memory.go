package v1

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/memory"
	"github.com/JFK/kagura-ai-sub007/pkg/retrieval"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

// MemoryRouter sets up the memory CRUD and retrieval routes. Reads are open
// to every authenticated role; writes require the user role; GC is admin.
func MemoryRouter(deps Deps) http.Handler {
	routes := &memoryRoutes{deps: deps}
	r := chi.NewRouter()
	r.With(auth.RequireRole(users.RoleUser)).Post("/", routes.put)
	r.Get("/", routes.list)
	r.Get("/stats", routes.stats)
	r.Post("/search", routes.search)
	r.Post("/search/ids", routes.searchIDs)
	r.With(auth.RequireRole(users.RoleAdmin)).Post("/gc", routes.gc)
	// Keys may contain slashes, so the tail of the path is the key.
	r.Get("/{agent}/*", routes.get)
	r.With(auth.RequireRole(users.RoleUser)).Put("/{agent}/*", routes.update)
	r.With(auth.RequireRole(users.RoleUser)).Delete("/{agent}/*", routes.remove)
	return r
}

type memoryRoutes struct {
	deps Deps
}

// memoryFilter is the wire shape of a memory filter.
type memoryFilter struct {
	AgentName     string   `json:"agent_name,omitempty"`
	Scope         string   `json:"scope,omitempty" validate:"omitempty,oneof=working persistent"`
	Kind          string   `json:"kind,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ImportanceMin *float64 `json:"importance_min,omitempty"`
	ImportanceMax *float64 `json:"importance_max,omitempty"`
	KeyPrefix     string   `json:"key_prefix,omitempty"`
}

func (f memoryFilter) filter() memory.Filter {
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

func (h *memoryRoutes) put(w http.ResponseWriter, r *http.Request) {
	var req memory.PutRequest
	if err := decode(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}

	rec, err := h.deps.Memories.Put(r.Context(), actor(r).UserID, req)
	if err != nil {
		if kerrors.IsPartialSuccess(err) {
			// Stored but not indexed; the reconciler picks it up.
			writeJSON(w, http.StatusOK, map[string]any{"record": rec, "warning": err.Error()})
			return
		}
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

func (h *memoryRoutes) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := memory.Filter{
		AgentName: q.Get("agent_name"),
		Scope:     q.Get("scope"),
		Kind:      q.Get("kind"),
		KeyPrefix: q.Get("key_prefix"),
	}
	if tags := q.Get("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	var err error
	if f.ImportanceMin, err = floatParam(q.Get("importance_min")); err != nil {
		auth.WriteError(w, err)
		return
	}
	if f.ImportanceMax, err = floatParam(q.Get("importance_max")); err != nil {
		auth.WriteError(w, err)
		return
	}
	page := memory.Page{
		Limit:  intParam(q.Get("limit")),
		Offset: intParam(q.Get("offset")),
	}

	records, total, err := h.deps.Memories.List(r.Context(), actor(r).UserID, f, page)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "total": total})
}

func (h *memoryRoutes) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Memories.Stats(r.Context(), actor(r).UserID)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// searchInput is the wire shape of a search call.
type searchInput struct {
	QueryText    string       `json:"query_text"`
	Filter       memoryFilter `json:"filter"`
	K            int          `json:"k" validate:"min=0"`
	Mode         string       `json:"mode,omitempty" validate:"omitempty,oneof=hybrid vector lexical"`
	Rerank       bool         `json:"rerank,omitempty"`
	MarkAsRead   bool         `json:"mark_as_read,omitempty"`
	TargetUserID string       `json:"target_user_id,omitempty"`
}

func (in searchInput) request() retrieval.SearchRequest {
	return retrieval.SearchRequest{
		QueryText:    in.QueryText,
		Filter:       in.Filter.filter(),
		K:            in.K,
		Mode:         in.Mode,
		Rerank:       in.Rerank,
		MarkAsRead:   in.MarkAsRead,
		TargetUserID: in.TargetUserID,
	}
}

// searchOwner resolves which user's space a search runs in. Targeting
// another user's space is admin-only.
func searchOwner(r *http.Request, target string) (string, error) {
	identity := actor(r)
	if target == "" || target == identity.UserID {
		return identity.UserID, nil
	}
	if !identity.Role.Allows(users.RoleAdmin) {
		return "", kerrors.NewForbiddenError("only admins may search another user's memories", nil)
	}
	return target, nil
}

func (h *memoryRoutes) search(w http.ResponseWriter, r *http.Request) {
	var in searchInput
	if err := decode(r, &in); err != nil {
		auth.WriteError(w, err)
		return
	}
	owner, err := searchOwner(r, in.TargetUserID)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	results, err := h.deps.Retrieval.Search(r.Context(), owner, in.request())
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *memoryRoutes) searchIDs(w http.ResponseWriter, r *http.Request) {
	var in searchInput
	if err := decode(r, &in); err != nil {
		auth.WriteError(w, err)
		return
	}
	owner, err := searchOwner(r, in.TargetUserID)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	results, err := h.deps.Retrieval.SearchIDs(r.Context(), owner, in.request())
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *memoryRoutes) gc(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Horizon string `json:"horizon,omitempty"`
	}
	// The body is optional; an empty read falls back to the configured TTL.
	_ = decode(r, &req)

	horizon := h.deps.WorkingTTL
	if req.Horizon != "" {
		parsed, err := time.ParseDuration(req.Horizon)
		if err != nil || parsed <= 0 {
			auth.WriteError(w, kerrors.NewValidationError("horizon must be a positive duration", err))
			return
		}
		horizon = parsed
	}

	removed, err := h.deps.Memories.GC(ctx, horizon)
	if err != nil {
		auth.WriteError(w, err)
		return
	}

	identity := actor(r)
	h.deps.Audit.MustRecord(ctx, audit.Event{
		ActorUserID: identity.UserID,
		ActorEmail:  identity.Email,
		Action:      audit.ActionMemoryGC,
		Metadata:    map[string]any{"horizon": horizon.String(), "removed": removed},
		IP:          r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (h *memoryRoutes) get(w http.ResponseWriter, r *http.Request) {
	agent, key := pathAgentKey(r)
	rec, err := h.deps.Memories.Get(r.Context(), actor(r).UserID, agent, key)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

func (h *memoryRoutes) update(w http.ResponseWriter, r *http.Request) {
	agent, key := pathAgentKey(r)
	var patch memory.Patch
	if err := decode(r, &patch); err != nil {
		auth.WriteError(w, err)
		return
	}
	rec, err := h.deps.Memories.Update(r.Context(), actor(r).UserID, agent, key, patch)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

func (h *memoryRoutes) remove(w http.ResponseWriter, r *http.Request) {
	agent, key := pathAgentKey(r)
	if err := h.deps.Memories.Delete(r.Context(), actor(r).UserID, agent, key); err != nil {
		auth.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathAgentKey(r *http.Request) (string, string) {
	return chi.URLParam(r, "agent"), chi.URLParam(r, "*")
}

func intParam(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func floatParam(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, kerrors.NewValidationError("importance bounds must be numeric", err)
	}
	return &f, nil
}
