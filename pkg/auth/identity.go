// Package auth resolves request credentials into a platform Identity:
// browser sessions, OAuth2 access tokens, and API keys, in that precedence
// order. The resolved identity travels in the request context.
package auth

import (
	"context"

	"github.com/JFK/kagura-ai-sub007/pkg/users"
)

// Authentication methods carried on an Identity.
const (
	MethodSession = "session"
	MethodOAuth2  = "oauth2"
	MethodAPIKey  = "api_key"
)

// Identity is the resolved principal for one request.
type Identity struct {
	// Subject is the IdP subject of the backing user.
	Subject string `json:"subject"`
	// UserID is the platform user id; owner scoping uses this.
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	// Role gates operations via Role.Allows.
	Role users.Role `json:"role"`
	// AuthMethod records which credential produced this identity.
	AuthMethod string `json:"auth_method"`
	// SessionToken is set only for session-authenticated requests, so
	// logout and CSRF can reference the session.
	SessionToken string `json:"-"`
}

// IsAdmin reports whether the principal holds the admin role.
func (i *Identity) IsAdmin() bool { return i.Role == users.RoleAdmin }

// identityContextKey is an unexported type so no other package can collide
// with the context key.
type identityContextKey struct{}

// WithIdentity stores the identity in the context. A nil identity returns
// the context unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves the identity set by the auth middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok
}

// FromUser builds an identity from a user row and auth method.
func FromUser(u *users.User, method string) *Identity {
	return &Identity{
		Subject:    u.Subject,
		UserID:     u.ID,
		Email:      u.Email,
		Name:       u.Name,
		Role:       u.Role,
		AuthMethod: method,
	}
}
