package authcache

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the payload of an optional session token issued by the
// external datastore when a client authenticates via a web session rather
// than a bare API key. It carries enough identity to resolve a User via the
// same Lookup path, plus an optional session id used to key conversation
// history for the "newer system message wins, history prepended" merge
// behavior.
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

var errInvalidSession = errors.New("authcache: invalid session token")

// SessionVerifier validates bearer session tokens against a shared secret.
// This is independent of and does not replace API-key auth — it exists only
// to let a signed-in web client attach a session identity (for history
// continuity) without also having to mint and present an opaque API key for
// every request.
type SessionVerifier struct {
	secret []byte
}

// NewSessionVerifier builds a SessionVerifier using secret to validate
// HMAC-signed session tokens.
func NewSessionVerifier(secret []byte) *SessionVerifier {
	return &SessionVerifier{secret: secret}
}

// Verify parses and validates a session token, returning its claims if the
// signature is valid, unexpired, and uses an HMAC algorithm.
func (v *SessionVerifier) Verify(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidSession
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errInvalidSession
	}
	return claims, nil
}

// Issue mints a session token for userID/sessionID, valid for ttl. Used by
// the management surface when a user signs in through the web session flow
// rather than presenting an API key directly.
func (v *SessionVerifier) Issue(userID, sessionID string, ttl time.Duration) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserID:    userID,
		SessionID: sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
