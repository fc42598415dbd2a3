package relay

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthRequired means a stream request carried neither a valid auth token
// nor an API key. Surfaced to the client as a STREAM_ERROR before any
// backend call.
var ErrAuthRequired = errors.New("authentication required: sign in or configure an API key")

// Claims are the JWT claims accepted on the background channel.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Authenticator resolves a stream request to a stable user id for rate
// limiting and usage accounting.
type Authenticator struct {
	Secret []byte
}

// Verify returns the user id for a request. Auth tokens are HS256 JWTs;
// a raw API key (forwarded to the backend, never stored) identifies the
// caller by key fingerprint.
func (a *Authenticator) Verify(authToken, apiKey string) (string, error) {
	if authToken != "" {
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(authToken, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.Secret, nil
		})
		if err != nil {
			return "", fmt.Errorf("verify token: %w", err)
		}
		if claims.Subject == "" {
			return "", errors.New("token has no subject")
		}
		return claims.Subject, nil
	}
	if apiKey != "" {
		sum := sha256.Sum256([]byte(apiKey))
		return fmt.Sprintf("key:%x", sum[:8]), nil
	}
	return "", ErrAuthRequired
}

// IssueToken creates a signed auth token for uid, used by the identity
// bridge and by tests.
func IssueToken(secret []byte, uid, email string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Email: email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
