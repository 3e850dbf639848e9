// Package v1 contains the versioned REST routes of the memory platform.
package v1

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/JFK/kagura-ai-sub007/pkg/apikeys"
	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/graph"
	"github.com/JFK/kagura-ai-sub007/pkg/memory"
	"github.com/JFK/kagura-ai-sub007/pkg/retrieval"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
	"github.com/JFK/kagura-ai-sub007/pkg/vault"
)

// Deps are the domain services the v1 routes call into.
type Deps struct {
	Memories  *memory.Store
	Retrieval *retrieval.Engine
	Graph     *graph.Graph
	APIKeys   *apikeys.Manager
	Vault     *vault.Manager
	Audit     *audit.Logger
	Users     *users.Store
	// WorkingTTL is the default GC horizon when a request does not name one.
	WorkingTTL time.Duration
}

// Router mounts every v1 route. All routes require authentication; role
// guards are applied per concern.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequireAuth)
	r.Mount("/memory", MemoryRouter(deps))
	r.Mount("/graph", GraphRouter(deps))
	r.Mount("/api-keys", APIKeyRouter(deps))
	r.Mount("/external-api-keys", VaultRouter(deps))
	r.Mount("/users", UserRouter(deps))
	r.Mount("/audit", AuditRouter(deps))
	return r
}

// validate checks struct tags on request DTOs.
var validate = validator.New(validator.WithRequiredStructEnabled())

// decode reads a JSON body into v and runs struct validation on it.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return kerrors.NewValidationError("request body exceeds the size limit", err)
		}
		return kerrors.NewValidationError("request body is not valid JSON", err)
	}
	if err := validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return kerrors.NewInternalError("request validation failed", err)
		}
		return kerrors.NewValidationError("invalid request: "+err.Error(), nil)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// actor pulls the request identity; RequireAuth guarantees presence.
func actor(r *http.Request) *auth.Identity {
	identity, _ := auth.IdentityFromContext(r.Context())
	return identity
}
