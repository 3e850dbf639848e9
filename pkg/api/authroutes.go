package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
)

// AuthRouter sets up the browser login and session routes.
func AuthRouter(deps Deps) http.Handler {
	routes := &authRoutes{deps: deps}
	r := chi.NewRouter()
	r.Get("/login", routes.login)
	r.Get("/callback", routes.callback)
	r.With(auth.RequireAuth).Get("/me", routes.me)
	r.With(auth.RequireAuth).Post("/logout", routes.logout)
	r.With(auth.RequireAuth).Get("/csrf", routes.csrf)
	r.With(auth.RequireAuth).Get("/sessions", routes.listSessions)
	r.With(auth.RequireAuth).Delete("/sessions", routes.revokeSessions)
	return r
}

type authRoutes struct {
	deps Deps
}

func (h *authRoutes) login(w http.ResponseWriter, r *http.Request) {
	if h.deps.OIDC == nil {
		auth.WriteError(w, kerrors.NewValidationError("no upstream identity provider is configured", nil))
		return
	}
	authURL, err := h.deps.OIDC.AuthCodeURL(r.URL.Query().Get("return_to"))
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *authRoutes) callback(w http.ResponseWriter, r *http.Request) {
	if h.deps.OIDC == nil {
		auth.WriteError(w, kerrors.NewValidationError("no upstream identity provider is configured", nil))
		return
	}
	ctx := r.Context()

	user, returnTo, err := h.deps.OIDC.HandleCallback(ctx, r.URL.Query().Get("state"), r.URL.Query().Get("code"))
	if err != nil {
		auth.WriteError(w, err)
		return
	}

	sess, err := h.deps.Sessions.Create(ctx, user.ID)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	h.setSessionCookie(w, sess.Token, int(h.deps.Sessions.TTL().Seconds()))

	h.deps.Audit.MustRecord(ctx, audit.Event{
		ActorUserID: user.ID,
		ActorEmail:  user.Email,
		Action:      audit.ActionLogin,
		IP:          r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})

	if returnTo == "" {
		returnTo = "/"
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func (h *authRoutes) me(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	user, err := h.deps.Users.GetByID(r.Context(), identity.UserID)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, map[string]any{"user": user, "auth_method": identity.AuthMethod})
}

func (h *authRoutes) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, _ := auth.IdentityFromContext(ctx)
	if identity.AuthMethod != auth.MethodSession {
		auth.WriteError(w, kerrors.NewValidationError("logout requires a session cookie", nil))
		return
	}
	if err := h.deps.Sessions.Revoke(ctx, identity.SessionToken); err != nil {
		auth.WriteError(w, err)
		return
	}
	h.setSessionCookie(w, "", -1)
	h.deps.Audit.MustRecord(ctx, audit.Event{
		ActorUserID: identity.UserID,
		ActorEmail:  identity.Email,
		Action:      audit.ActionLogout,
		IP:          r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *authRoutes) csrf(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	if identity.AuthMethod != auth.MethodSession {
		auth.WriteError(w, kerrors.NewValidationError("CSRF tokens are only issued to session cookies", nil))
		return
	}
	token, err := h.deps.CSRF.Issue(identity.SessionToken)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, map[string]string{"csrf_token": token})
}

func (h *authRoutes) listSessions(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	sessions, err := h.deps.Sessions.List(r.Context(), identity.UserID)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, map[string]any{"sessions": sessions})
}

func (h *authRoutes) revokeSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, _ := auth.IdentityFromContext(ctx)
	count, err := h.deps.Sessions.RevokeAll(ctx, identity.UserID)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	if identity.AuthMethod == auth.MethodSession {
		h.setSessionCookie(w, "", -1)
	}
	h.deps.Audit.MustRecord(ctx, audit.Event{
		ActorUserID: identity.UserID,
		ActorEmail:  identity.Email,
		Action:      audit.ActionSessionRevoke,
		IP:          r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})
	writeJSON(w, map[string]int{"revoked": count})
}

func (h *authRoutes) setSessionCookie(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   strings.HasPrefix(h.deps.Config.PublicURL, "https://"),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
