package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

// UserRouter sets up the admin-only user management routes.
func UserRouter(deps Deps) http.Handler {
	routes := &userRoutes{deps: deps}
	r := chi.NewRouter()
	r.Use(auth.RequireRole(users.RoleAdmin))
	r.Get("/", routes.list)
	r.Put("/{id}/role", routes.setRole)
	return r
}

type userRoutes struct {
	deps Deps
}

func (h *userRoutes) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Users.List(r.Context())
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": list})
}

func (h *userRoutes) setRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := actor(r)
	id := chi.URLParam(r, "id")

	var req struct {
		Role users.Role `json:"role" validate:"required"`
	}
	if err := decode(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	if !req.Role.Valid() {
		auth.WriteError(w, kerrors.NewValidationError("unknown role", nil))
		return
	}

	before, err := h.deps.Users.GetByID(ctx, id)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	updated, err := h.deps.Users.SetRole(ctx, id, req.Role)
	if err != nil {
		auth.WriteError(w, err)
		return
	}

	h.deps.Audit.MustRecord(ctx, audit.Event{
		ActorUserID:  identity.UserID,
		ActorEmail:   identity.Email,
		Action:       audit.ActionRoleChange,
		Resource:     id,
		OldValueHash: audit.HashValue(string(before.Role)),
		NewValueHash: audit.HashValue(string(updated.Role)),
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"user": updated})
}
