package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	"github.com/JFK/kagura-ai-sub007/pkg/authserver"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

// ClientRouter sets up the admin-only OAuth2 client management routes.
func ClientRouter(deps Deps) http.Handler {
	routes := &clientRoutes{deps: deps}
	r := chi.NewRouter()
	r.Use(auth.RequireRole(users.RoleAdmin))
	r.Post("/", routes.register)
	r.Get("/", routes.list)
	r.Delete("/{id}", routes.remove)
	return r
}

type clientRoutes struct {
	deps Deps
}

func (h *clientRoutes) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, _ := auth.IdentityFromContext(ctx)

	var req authserver.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteError(w, kerrors.NewValidationError("request body is not valid JSON", err))
		return
	}
	client, err := h.deps.AuthServer.Clients().Register(ctx, req)
	if err != nil {
		auth.WriteError(w, err)
		return
	}

	h.deps.Audit.MustRecord(ctx, audit.Event{
		ActorUserID:  identity.UserID,
		ActorEmail:   identity.Email,
		Action:       audit.ActionClientRegister,
		Resource:     client.Client.ID,
		NewValueHash: audit.HashValue(client.Client.Name),
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(client)
}

func (h *clientRoutes) list(w http.ResponseWriter, r *http.Request) {
	clients, err := h.deps.AuthServer.Clients().List(r.Context())
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, map[string]any{"clients": clients})
}

func (h *clientRoutes) remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, _ := auth.IdentityFromContext(ctx)
	id := chi.URLParam(r, "id")

	if err := h.deps.AuthServer.Clients().Delete(ctx, id); err != nil {
		auth.WriteError(w, err)
		return
	}
	h.deps.Audit.MustRecord(ctx, audit.Event{
		ActorUserID: identity.UserID,
		ActorEmail:  identity.Email,
		Action:      audit.ActionClientDelete,
		Resource:    id,
		IP:          r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})
	w.WriteHeader(http.StatusNoContent)
}
