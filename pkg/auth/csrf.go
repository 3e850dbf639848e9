package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
)

// CSRFHeader carries the synchronizer token on cookie-authenticated
// mutations.
const CSRFHeader = "X-CSRF-Token"

// csrfTTL bounds a synchronizer token; clients re-fetch from /auth/csrf.
const csrfTTL = time.Hour

// CSRF issues and checks synchronizer tokens bound to a session. Tokens are
// signed JWTs carrying the hash of the session token, so a token stolen
// without its session is useless.
type CSRF struct {
	secret []byte
}

// NewCSRF creates a CSRF signer from the platform JWT secret.
func NewCSRF(secret string) *CSRF {
	return &CSRF{secret: []byte(secret)}
}

type csrfClaims struct {
	SessionHash string `json:"sh"`
	jwt.RegisteredClaims
}

// Issue returns a synchronizer token for the session.
func (c *CSRF) Issue(sessionToken string) (string, error) {
	now := time.Now().UTC()
	claims := csrfClaims{
		SessionHash: hashToken(sessionToken),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(csrfTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", kerrors.NewInternalError("signing CSRF token", err)
	}
	return signed, nil
}

// Verify checks that the token is valid and bound to the session.
func (c *CSRF) Verify(token, sessionToken string) error {
	if token == "" {
		return kerrors.NewForbiddenError("missing CSRF token", nil)
	}
	var claims csrfClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(_ *jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return kerrors.NewForbiddenError("invalid CSRF token", err)
	}
	if claims.SessionHash != hashToken(sessionToken) {
		return kerrors.NewForbiddenError("CSRF token does not match session", nil)
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
