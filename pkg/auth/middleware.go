package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/JFK/kagura-ai-sub007/pkg/apikeys"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

// TokenIntrospector resolves an OAuth2 bearer access token to the subject it
// was issued for. The authorization server implements it.
type TokenIntrospector interface {
	IntrospectSubject(ctx context.Context, token string) (string, error)
}

// Authenticator resolves request credentials in precedence order: session
// cookie, OAuth2 bearer token, API key.
type Authenticator struct {
	sessions     *Sessions
	users        *users.Store
	introspector TokenIntrospector
	keys         *apikeys.Manager
	csrf         *CSRF
}

// NewAuthenticator wires the authenticator. introspector may be nil when the
// authorization server is not mounted.
func NewAuthenticator(sessions *Sessions, userStore *users.Store, introspector TokenIntrospector, keys *apikeys.Manager, csrf *CSRF) *Authenticator {
	return &Authenticator{
		sessions:     sessions,
		users:        userStore,
		introspector: introspector,
		keys:         keys,
		csrf:         csrf,
	}
}

// Middleware resolves credentials into a context identity. Requests without
// credentials continue anonymously; guards downstream decide what requires
// auth. Requests with bad credentials are rejected here.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.resolve(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		if identity != nil {
			r = r.WithContext(WithIdentity(r.Context(), identity))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) resolve(r *http.Request) (*Identity, error) {
	ctx := r.Context()

	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		sess, err := a.sessions.Get(ctx, cookie.Value)
		if err != nil {
			if kerrors.IsUnauthorized(err) {
				// A stale cookie falls through to other credentials
				// rather than locking the client out.
				return a.resolveBearer(ctx, r)
			}
			return nil, err
		}
		user, err := a.users.GetByID(ctx, sess.UserID)
		if err != nil {
			if kerrors.IsNotFound(err) {
				return nil, kerrors.NewUnauthorizedError("session user no longer exists", nil)
			}
			return nil, err
		}
		identity := FromUser(user, MethodSession)
		identity.SessionToken = sess.Token
		return identity, nil
	}
	return a.resolveBearer(ctx, r)
}

func (a *Authenticator) resolveBearer(ctx context.Context, r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, kerrors.NewUnauthorizedError("authorization header must be a bearer credential", nil)
	}
	token = strings.TrimSpace(token)

	if strings.HasPrefix(token, "kg_") {
		key, err := a.keys.Verify(ctx, token)
		if err != nil {
			return nil, err
		}
		user, err := a.users.GetByID(ctx, key.OwnerUserID)
		if err != nil {
			if kerrors.IsNotFound(err) {
				return nil, kerrors.NewUnauthorizedError("key owner no longer exists", nil)
			}
			return nil, err
		}
		return FromUser(user, MethodAPIKey), nil
	}

	if a.introspector == nil {
		return nil, kerrors.NewUnauthorizedError("unrecognized bearer credential", nil)
	}
	subject, err := a.introspector.IntrospectSubject(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := a.users.GetBySubject(ctx, subject)
	if err != nil {
		if kerrors.IsNotFound(err) {
			return nil, kerrors.NewUnauthorizedError("token subject no longer exists", nil)
		}
		return nil, err
	}
	return FromUser(user, MethodOAuth2), nil
}

// CSRFMiddleware enforces the synchronizer token on state-changing requests
// authenticated by a session cookie. Bearer credentials are exempt; they
// cannot be sent cross-site by a browser.
func (a *Authenticator) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		identity, ok := IdentityFromContext(r.Context())
		if !ok || identity.AuthMethod != MethodSession {
			next.ServeHTTP(w, r)
			return
		}
		if err := a.csrf.Verify(r.Header.Get(CSRFHeader), identity.SessionToken); err != nil {
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects anonymous requests.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			WriteError(w, kerrors.NewUnauthorizedError("authentication required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects principals below the required role.
func RequireRole(required users.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				WriteError(w, kerrors.NewUnauthorizedError("authentication required", nil))
				return
			}
			if !identity.Role.Allows(required) {
				WriteError(w, kerrors.NewForbiddenError("insufficient role", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError renders a platform error as the JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	status := kerrors.HTTPStatus(err)
	message := err.Error()
	if kerrors.IsInternal(err) {
		// Internal details stay in the logs.
		logger.Errorw("internal error at HTTP edge", "error", err)
		message = "internal: internal server error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    kerrors.TypeOf(err),
			"message": message,
		},
	})
}
