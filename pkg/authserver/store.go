package authserver

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

// Token-type discriminators in the oauth_tokens table. PKCE request
// sessions ride in the same table; they share the lifecycle of an
// authorization code.
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
	tokenTypePKCE    = "pkce"
)

// Store persists fosite's OAuth2 state in the relational backend. Sessions
// are serialized as JSON alongside the request metadata so opaque tokens can
// be resolved back to their grant on any instance sharing the database.
type Store struct {
	backend storage.Backend

	// Client-assertion JTI replay cache. Assertions are short-lived, so
	// in-process tracking suffices.
	mu   sync.Mutex
	jtis map[string]time.Time
}

// NewStore creates the OAuth2 store.
func NewStore(backend storage.Backend) *Store {
	return &Store{backend: backend, jtis: make(map[string]time.Time)}
}

// requestData is the JSON shape of a stored fosite request.
type requestData struct {
	ID                string                 `json:"id"`
	RequestedAt       time.Time              `json:"requested_at"`
	ClientID          string                 `json:"client_id"`
	RequestedScope    []string               `json:"requested_scope,omitempty"`
	GrantedScope      []string               `json:"granted_scope,omitempty"`
	RequestedAudience []string               `json:"requested_audience,omitempty"`
	GrantedAudience   []string               `json:"granted_audience,omitempty"`
	Form              url.Values             `json:"form,omitempty"`
	Session           *fosite.DefaultSession `json:"session"`
}

func serializeRequest(request fosite.Requester) (string, error) {
	session, _ := request.GetSession().(*fosite.DefaultSession)
	data := requestData{
		ID:                request.GetID(),
		RequestedAt:       request.GetRequestedAt(),
		ClientID:          request.GetClient().GetID(),
		RequestedScope:    request.GetRequestedScopes(),
		GrantedScope:      request.GetGrantedScopes(),
		RequestedAudience: request.GetRequestedAudience(),
		GrantedAudience:   request.GetGrantedAudience(),
		Form:              request.GetRequestForm(),
		Session:           session,
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *Store) deserializeRequest(ctx context.Context, raw string, prototype fosite.Session) (fosite.Requester, error) {
	var data requestData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	client, err := s.GetClient(ctx, data.ClientID)
	if err != nil {
		return nil, err
	}
	session := prototype
	if session == nil {
		session = newSession("", "")
	}
	if ds, ok := session.(*fosite.DefaultSession); ok && data.Session != nil {
		*ds = *data.Session
	}
	return &fosite.Request{
		ID:                data.ID,
		RequestedAt:       data.RequestedAt,
		Client:            client,
		RequestedScope:    data.RequestedScope,
		GrantedScope:      data.GrantedScope,
		RequestedAudience: data.RequestedAudience,
		GrantedAudience:   data.GrantedAudience,
		Form:              data.Form,
		Session:           session,
	}, nil
}

// sessionExpiry reads the token expiration stamped on the session, falling
// back to now+ttl when the handler did not set one.
func sessionExpiry(request fosite.Requester, tokenType fosite.TokenType, ttl time.Duration) time.Time {
	if session := request.GetSession(); session != nil {
		if exp := session.GetExpiresAt(tokenType); !exp.IsZero() {
			return exp
		}
	}
	return time.Now().UTC().Add(ttl)
}

// --- fosite.ClientManager ---

// GetClient resolves a registered client by id.
func (s *Store) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	client, err := clientByID(ctx, s.backend, id)
	if err != nil {
		if kerrors.IsNotFound(err) {
			return nil, fosite.ErrNotFound.WithHint("Client not found.")
		}
		return nil, err
	}
	return client.fosite(), nil
}

// ClientAssertionJWTValid reports whether the JTI has been seen before.
func (s *Store) ClientAssertionJWTValid(_ context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.jtis[jti]; ok && exp.After(time.Now()) {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT marks the JTI as used until exp.
func (s *Store) SetClientAssertionJWT(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, expiry := range s.jtis {
		if expiry.Before(now) {
			delete(s.jtis, key)
		}
	}
	s.jtis[jti] = exp
	return nil
}

// --- oauth2.AuthorizeCodeStorage ---

// CreateAuthorizeCodeSession stores the grant behind an authorization code.
func (s *Store) CreateAuthorizeCodeSession(ctx context.Context, signature string, request fosite.Requester) error {
	raw, err := serializeRequest(request)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.backend.Put(ctx, storage.TableOAuthCodes, signature, storage.Row{
		"signature":    signature,
		"request_id":   request.GetID(),
		"client_id":    request.GetClient().GetID(),
		"user_id":      request.GetSession().GetSubject(),
		"request_data": raw,
		"active":       true,
		"created_at":   now.Format(time.RFC3339Nano),
		"expires_at":   sessionExpiry(request, fosite.AuthorizeCode, authCodeLifespan).Format(time.RFC3339Nano),
	})
}

// GetAuthorizeCodeSession returns the grant for a code. A tombstoned code
// returns the request together with ErrInvalidatedAuthorizeCode so fosite
// can revoke everything issued from it.
func (s *Store) GetAuthorizeCodeSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	row, err := s.backend.Get(ctx, storage.TableOAuthCodes, signature)
	if err != nil {
		if kerrors.IsNotFound(err) {
			return nil, fosite.ErrNotFound.WithHint("Authorization code not found.")
		}
		return nil, err
	}
	request, err := s.deserializeRequest(ctx, row.String("request_data"), session)
	if err != nil {
		return nil, err
	}
	if !row.Bool("active") {
		return request, fosite.ErrInvalidatedAuthorizeCode
	}
	return request, nil
}

// InvalidateAuthorizeCodeSession tombstones a used code. The row stays until
// expiry so replayed codes are detected rather than reported missing.
func (s *Store) InvalidateAuthorizeCodeSession(ctx context.Context, signature string) error {
	err := s.backend.Update(ctx, storage.TableOAuthCodes, signature, storage.Row{"active": false})
	if err != nil && kerrors.IsNotFound(err) {
		return fosite.ErrNotFound.WithHint("Authorization code not found.")
	}
	return err
}

// --- oauth2.AccessTokenStorage / RefreshTokenStorage ---

func (s *Store) createTokenSession(ctx context.Context, tokenType, signature string, request fosite.Requester, fositeType fosite.TokenType, ttl time.Duration) error {
	raw, err := serializeRequest(request)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	return s.backend.Put(ctx, storage.TableOAuthTokens, id, storage.Row{
		"id":           id,
		"signature":    signature,
		"token_type":   tokenType,
		"request_id":   request.GetID(),
		"client_id":    request.GetClient().GetID(),
		"user_id":      request.GetSession().GetSubject(),
		"request_data": raw,
		"revoked_at":   nil,
		"created_at":   now.Format(time.RFC3339Nano),
		"expires_at":   sessionExpiry(request, fositeType, ttl).Format(time.RFC3339Nano),
	})
}

func (s *Store) getTokenSession(ctx context.Context, tokenType, signature string, session fosite.Session) (fosite.Requester, error) {
	rows, err := s.backend.Query(ctx, storage.TableOAuthTokens, storage.Query{
		Predicate: storage.And(
			storage.Eq("token_type", tokenType),
			storage.Eq("signature", signature),
		),
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fosite.ErrNotFound.WithHint("Token not found.")
	}
	row := rows[0]
	if row.TimePtr("revoked_at") != nil {
		return nil, fosite.ErrInactiveToken.WithHint("Token has been revoked.")
	}
	return s.deserializeRequest(ctx, row.String("request_data"), session)
}

func (s *Store) deleteTokenSession(ctx context.Context, tokenType, signature string) error {
	rows, err := s.backend.Query(ctx, storage.TableOAuthTokens, storage.Query{
		Predicate: storage.And(
			storage.Eq("token_type", tokenType),
			storage.Eq("signature", signature),
		),
		Limit: 1,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fosite.ErrNotFound.WithHint("Token not found.")
	}
	return s.backend.Delete(ctx, storage.TableOAuthTokens, rows[0].String("id"))
}

// revokeByRequestID stamps revoked_at on every live token of the given type
// issued for the grant.
func (s *Store) revokeByRequestID(ctx context.Context, tokenType, requestID string) error {
	rows, err := s.backend.Query(ctx, storage.TableOAuthTokens, storage.Query{
		Predicate: storage.And(
			storage.Eq("token_type", tokenType),
			storage.Eq("request_id", requestID),
		),
	})
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, row := range rows {
		if row.TimePtr("revoked_at") != nil {
			continue
		}
		err := s.backend.Update(ctx, storage.TableOAuthTokens, row.String("id"), storage.Row{"revoked_at": now})
		if err != nil && !kerrors.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// CreateAccessTokenSession stores an issued access token.
func (s *Store) CreateAccessTokenSession(ctx context.Context, signature string, request fosite.Requester) error {
	return s.createTokenSession(ctx, tokenTypeAccess, signature, request, fosite.AccessToken, accessTokenLifespan)
}

// GetAccessTokenSession resolves an access token signature to its grant.
func (s *Store) GetAccessTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	return s.getTokenSession(ctx, tokenTypeAccess, signature, session)
}

// DeleteAccessTokenSession removes an access token.
func (s *Store) DeleteAccessTokenSession(ctx context.Context, signature string) error {
	return s.deleteTokenSession(ctx, tokenTypeAccess, signature)
}

// CreateRefreshTokenSession stores an issued refresh token.
func (s *Store) CreateRefreshTokenSession(ctx context.Context, signature string, _ string, request fosite.Requester) error {
	return s.createTokenSession(ctx, tokenTypeRefresh, signature, request, fosite.RefreshToken, refreshTokenLifespan)
}

// GetRefreshTokenSession resolves a refresh token signature to its grant.
func (s *Store) GetRefreshTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	return s.getTokenSession(ctx, tokenTypeRefresh, signature, session)
}

// DeleteRefreshTokenSession removes a refresh token.
func (s *Store) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	return s.deleteTokenSession(ctx, tokenTypeRefresh, signature)
}

// RotateRefreshToken retires a used refresh token and the access tokens
// issued alongside it. Reuse of the retired token then fails as revoked,
// which fosite escalates to revoking the whole grant chain.
func (s *Store) RotateRefreshToken(ctx context.Context, requestID string, refreshTokenSignature string) error {
	if err := s.revokeBySignature(ctx, tokenTypeRefresh, refreshTokenSignature); err != nil {
		return err
	}
	return s.revokeByRequestID(ctx, tokenTypeAccess, requestID)
}

func (s *Store) revokeBySignature(ctx context.Context, tokenType, signature string) error {
	rows, err := s.backend.Query(ctx, storage.TableOAuthTokens, storage.Query{
		Predicate: storage.And(
			storage.Eq("token_type", tokenType),
			storage.Eq("signature", signature),
		),
		Limit: 1,
	})
	if err != nil || len(rows) == 0 {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.backend.Update(ctx, storage.TableOAuthTokens, rows[0].String("id"), storage.Row{"revoked_at": now})
}

// --- oauth2.TokenRevocationStorage ---

// RevokeAccessToken revokes every access token of the grant.
func (s *Store) RevokeAccessToken(ctx context.Context, requestID string) error {
	return s.revokeByRequestID(ctx, tokenTypeAccess, requestID)
}

// RevokeRefreshToken revokes every refresh token of the grant.
func (s *Store) RevokeRefreshToken(ctx context.Context, requestID string) error {
	return s.revokeByRequestID(ctx, tokenTypeRefresh, requestID)
}

// RevokeRefreshTokenMaybeGracePeriod revokes immediately; no grace period.
func (s *Store) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

// --- pkce.PKCERequestStorage ---

// CreatePKCERequestSession stores the PKCE challenge alongside the code.
func (s *Store) CreatePKCERequestSession(ctx context.Context, signature string, request fosite.Requester) error {
	return s.createTokenSession(ctx, tokenTypePKCE, signature, request, fosite.AuthorizeCode, authCodeLifespan)
}

// GetPKCERequestSession resolves a stored PKCE request.
func (s *Store) GetPKCERequestSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	return s.getTokenSession(ctx, tokenTypePKCE, signature, session)
}

// DeletePKCERequestSession removes a PKCE request after verification.
func (s *Store) DeletePKCERequestSession(ctx context.Context, signature string) error {
	return s.deleteTokenSession(ctx, tokenTypePKCE, signature)
}

// PurgeExpired deletes expired codes and tokens. Called from the GC
// schedule; revoked rows expire out the same way.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Format(time.RFC3339Nano)
	purged := 0
	codes, err := s.backend.Query(ctx, storage.TableOAuthCodes, storage.Query{
		Predicate: storage.Lt("expires_at", cutoff),
	})
	if err != nil {
		return 0, err
	}
	for _, row := range codes {
		if err := s.backend.Delete(ctx, storage.TableOAuthCodes, row.String("signature")); err != nil {
			return purged, err
		}
		purged++
	}
	tokens, err := s.backend.Query(ctx, storage.TableOAuthTokens, storage.Query{
		Predicate: storage.Lt("expires_at", cutoff),
	})
	if err != nil {
		return purged, err
	}
	for _, row := range tokens {
		if err := s.backend.Delete(ctx, storage.TableOAuthTokens, row.String("id")); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
