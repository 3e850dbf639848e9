package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/graph"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

// GraphRouter sets up the graph overlay routes.
func GraphRouter(deps Deps) http.Handler {
	routes := &graphRoutes{deps: deps}
	r := chi.NewRouter()
	r.With(auth.RequireRole(users.RoleUser)).Post("/nodes", routes.addNode)
	r.With(auth.RequireRole(users.RoleUser)).Post("/edges", routes.addEdge)
	r.Get("/nodes/{id}/neighbors", routes.neighbors)
	r.Post("/query", routes.traverse)
	r.With(auth.RequireRole(users.RoleUser)).Delete("/nodes/{id}", routes.removeNode)
	r.With(auth.RequireRole(users.RoleUser)).Delete("/edges", routes.removeEdge)
	return r
}

type graphRoutes struct {
	deps Deps
}

func (h *graphRoutes) addNode(w http.ResponseWriter, r *http.Request) {
	var req graph.AddNodeRequest
	if err := decode(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	node, err := h.deps.Graph.AddNode(r.Context(), actor(r).UserID, req)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node": node})
}

func (h *graphRoutes) addEdge(w http.ResponseWriter, r *http.Request) {
	var req graph.AddEdgeRequest
	if err := decode(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	edge, err := h.deps.Graph.AddEdge(r.Context(), actor(r).UserID, req)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edge": edge})
}

func (h *graphRoutes) neighbors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	neighbors, err := h.deps.Graph.Neighbors(
		r.Context(), actor(r).UserID,
		chi.URLParam(r, "id"), q.Get("relation"), q.Get("direction"),
	)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"neighbors": neighbors})
}

func (h *graphRoutes) traverse(w http.ResponseWriter, r *http.Request) {
	var req graph.TraverseRequest
	if err := decode(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	hits, err := h.deps.Graph.Traverse(r.Context(), actor(r).UserID, req)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (h *graphRoutes) removeNode(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Graph.RemoveNode(r.Context(), actor(r).UserID, chi.URLParam(r, "id")); err != nil {
		auth.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *graphRoutes) removeEdge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	src, dst, relation := q.Get("src"), q.Get("dst"), q.Get("relation")
	if src == "" || dst == "" || relation == "" {
		auth.WriteError(w, kerrors.NewValidationError("src, dst, and relation are required", nil))
		return
	}
	if err := h.deps.Graph.RemoveEdge(r.Context(), actor(r).UserID, src, dst, relation); err != nil {
		auth.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
