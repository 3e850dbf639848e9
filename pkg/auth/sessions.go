package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/JFK/kagura-ai-sub007/pkg/cache"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
)

// SessionCookie is the browser session cookie name.
const SessionCookie = "kagura_session"

// sessionTokenBytes is the entropy of a session token before encoding.
const sessionTokenBytes = 32

// Session is the server-side record behind a session cookie.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Sessions issues and revokes opaque browser sessions backed by the shared
// cache. A per-user set index enables bulk revocation.
type Sessions struct {
	kv  cache.Cache
	ttl time.Duration
}

// NewSessions creates a session store with the given TTL.
func NewSessions(kv cache.Cache, ttl time.Duration) *Sessions {
	return &Sessions{kv: kv, ttl: ttl}
}

// TTL returns the configured session lifetime, for cookie expiry.
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Create issues a new session for the user and returns the opaque token.
func (s *Sessions) Create(ctx context.Context, userID string) (*Session, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, kerrors.NewInternalError("generating session token", err)
	}
	now := time.Now().UTC()
	sess := &Session{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, kerrors.NewInternalError("encoding session", err)
	}
	if err := s.kv.Set(ctx, cache.SessionKey(sess.Token), string(data), s.ttl); err != nil {
		return nil, err
	}
	if err := s.kv.AddToSet(ctx, cache.UserSessionsKey(userID), sess.Token, s.ttl); err != nil {
		logger.Warnw("session index write failed", "error", err)
	}
	return sess, nil
}

// Get resolves a token to its session, or unauthorized when absent or
// expired.
func (s *Sessions) Get(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, kerrors.NewUnauthorizedError("no session", nil)
	}
	raw, ok, err := s.kv.Get(ctx, cache.SessionKey(token))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kerrors.NewUnauthorizedError("session not found or expired", nil)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, kerrors.NewInternalError("decoding session", err)
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		_ = s.Revoke(ctx, token)
		return nil, kerrors.NewUnauthorizedError("session expired", nil)
	}
	sess.Token = token
	return &sess, nil
}

// Revoke deletes one session. Revoking an absent token is a no-op.
func (s *Sessions) Revoke(ctx context.Context, token string) error {
	sess, err := s.Get(ctx, token)
	if err != nil {
		if kerrors.IsUnauthorized(err) {
			return nil
		}
		return err
	}
	if err := s.kv.Delete(ctx, cache.SessionKey(token)); err != nil {
		return err
	}
	if err := s.kv.RemoveFromSet(ctx, cache.UserSessionsKey(sess.UserID), token); err != nil {
		logger.Debugw("session index cleanup failed", "error", err)
	}
	return nil
}

// List returns the user's live sessions.
func (s *Sessions) List(ctx context.Context, userID string) ([]*Session, error) {
	tokens, err := s.kv.SetMembers(ctx, cache.UserSessionsKey(userID))
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(tokens))
	for _, token := range tokens {
		sess, err := s.Get(ctx, token)
		if err != nil {
			if kerrors.IsUnauthorized(err) {
				// Expired entry still in the index; drop it.
				_ = s.kv.RemoveFromSet(ctx, cache.UserSessionsKey(userID), token)
				continue
			}
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// RevokeAll revokes every session of the user and returns how many were
// dropped.
func (s *Sessions) RevokeAll(ctx context.Context, userID string) (int, error) {
	tokens, err := s.kv.SetMembers(ctx, cache.UserSessionsKey(userID))
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, token := range tokens {
		if err := s.Revoke(ctx, token); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}
