package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

// VaultRouter sets up the admin-only external API key routes. Responses
// never include secret values; audits carry value hashes only.
func VaultRouter(deps Deps) http.Handler {
	routes := &vaultRoutes{deps: deps}
	r := chi.NewRouter()
	r.Use(auth.RequireRole(users.RoleAdmin))
	if deps.Vault == nil {
		// No API_KEY_SECRET configured; the vault is disabled.
		r.HandleFunc("/*", func(w http.ResponseWriter, _ *http.Request) {
			auth.WriteError(w, kerrors.NewValidationError("the secret vault is not configured on this deployment", nil))
		})
		return r
	}
	r.Get("/", routes.list)
	r.Post("/", routes.set)
	r.Put("/{name}", routes.update)
	r.Delete("/{name}", routes.remove)
	return r
}

type vaultRoutes struct {
	deps Deps
}

func (h *vaultRoutes) list(w http.ResponseWriter, r *http.Request) {
	secrets, err := h.deps.Vault.List(r.Context())
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": secrets})
}

type vaultSetRequest struct {
	KeyName  string `json:"key_name" validate:"required,max=128"`
	Provider string `json:"provider" validate:"required,max=64"`
	Value    string `json:"value" validate:"required"`
}

func (h *vaultRoutes) set(w http.ResponseWriter, r *http.Request) {
	var req vaultSetRequest
	if err := decode(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	h.store(w, r, req.KeyName, req.Provider, req.Value, http.StatusCreated)
}

func (h *vaultRoutes) update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider,omitempty" validate:"omitempty,max=64"`
		Value    string `json:"value" validate:"required"`
	}
	if err := decode(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	name := chi.URLParam(r, "name")

	provider := req.Provider
	if provider == "" {
		existing, err := h.deps.Vault.Get(r.Context(), name)
		if err != nil {
			auth.WriteError(w, err)
			return
		}
		provider = existing.Provider
	}
	h.store(w, r, name, provider, req.Value, http.StatusOK)
}

func (h *vaultRoutes) store(w http.ResponseWriter, r *http.Request, name, provider, value string, status int) {
	ctx := r.Context()
	identity := actor(r)

	var oldHash string
	if existing, err := h.deps.Vault.GetValue(ctx, name); err == nil {
		oldHash = audit.HashValue(existing)
	} else if !kerrors.IsNotFound(err) {
		auth.WriteError(w, err)
		return
	}

	if err := h.deps.Vault.Set(ctx, name, provider, value, identity.UserID); err != nil {
		auth.WriteError(w, err)
		return
	}
	h.deps.Audit.MustRecord(ctx, audit.Event{
		ActorUserID:  identity.UserID,
		ActorEmail:   identity.Email,
		Action:       audit.ActionVaultSet,
		Resource:     name,
		OldValueHash: oldHash,
		NewValueHash: audit.HashValue(value),
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
	writeJSON(w, status, map[string]string{"key_name": name, "provider": provider})
}

func (h *vaultRoutes) remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := actor(r)
	name := chi.URLParam(r, "name")

	if err := h.deps.Vault.Delete(ctx, name); err != nil {
		auth.WriteError(w, err)
		return
	}
	h.deps.Audit.MustRecord(ctx, audit.Event{
		ActorUserID: identity.UserID,
		ActorEmail:  identity.Email,
		Action:      audit.ActionVaultDelete,
		Resource:    name,
		IP:          r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})
	w.WriteHeader(http.StatusNoContent)
}
