package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

// AuditRouter sets up the admin-only audit trail route.
func AuditRouter(deps Deps) http.Handler {
	routes := &auditRoutes{deps: deps}
	r := chi.NewRouter()
	r.Use(auth.RequireRole(users.RoleAdmin))
	r.Get("/", routes.list)
	return r
}

type auditRoutes struct {
	deps Deps
}

func (h *auditRoutes) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Action:      q.Get("action"),
		ActorUserID: q.Get("actor_user_id"),
		Limit:       intParam(q.Get("limit")),
		Offset:      intParam(q.Get("offset")),
	}
	if since := q.Get("since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			auth.WriteError(w, kerrors.NewValidationError("since must be RFC 3339", err))
			return
		}
		f.Since = parsed
	}

	events, err := h.deps.Audit.List(r.Context(), f)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
