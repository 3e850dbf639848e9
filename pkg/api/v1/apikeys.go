package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

// APIKeyRouter sets up the per-user API key routes. Keys are always scoped
// to the calling user; admins manage their own keys like anyone else.
func APIKeyRouter(deps Deps) http.Handler {
	routes := &apiKeyRoutes{deps: deps}
	r := chi.NewRouter()
	r.Get("/", routes.list)
	r.With(auth.RequireRole(users.RoleUser)).Post("/", routes.create)
	r.With(auth.RequireRole(users.RoleUser)).Delete("/{id}", routes.revoke)
	r.Get("/{id}/usage", routes.usage)
	return r
}

type apiKeyRoutes struct {
	deps Deps
}

func (h *apiKeyRoutes) list(w http.ResponseWriter, r *http.Request) {
	keys, err := h.deps.APIKeys.List(r.Context(), actor(r).UserID)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (h *apiKeyRoutes) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := actor(r)

	var req struct {
		Name        string `json:"name" validate:"required,max=128"`
		ExpiresDays int    `json:"expires_days,omitempty" validate:"min=0,max=3650"`
	}
	if err := decode(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}

	created, err := h.deps.APIKeys.Create(ctx, identity.UserID, req.Name, req.ExpiresDays)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	h.deps.Audit.MustRecord(ctx, audit.Event{
		ActorUserID: identity.UserID,
		ActorEmail:  identity.Email,
		Action:      audit.ActionAPIKeyCreate,
		Resource:    created.Key.ID,
		IP:          r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})
	// The plaintext key appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, created)
}

func (h *apiKeyRoutes) revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := actor(r)
	id := chi.URLParam(r, "id")

	if err := h.deps.APIKeys.Revoke(ctx, identity.UserID, id); err != nil {
		auth.WriteError(w, err)
		return
	}
	h.deps.Audit.MustRecord(ctx, audit.Event{
		ActorUserID: identity.UserID,
		ActorEmail:  identity.Email,
		Action:      audit.ActionAPIKeyRevoke,
		Resource:    id,
		IP:          r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiKeyRoutes) usage(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.APIKeys.UsageStats(r.Context(), actor(r).UserID, chi.URLParam(r, "id"))
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": stats})
}
