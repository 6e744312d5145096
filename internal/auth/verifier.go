// Package auth verifies bearer credentials and resolves them to user
// identities. Token issuance lives in a separate service; this package only
// validates what it is handed.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any credential that does not verify:
// bad signature, expired, malformed, or missing the user id claim.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the payload carried by access tokens. The user id lives in the
// registered "sub" claim as a decimal string.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates HS256-signed access tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for tokens signed with the given secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer credential and returns the user id
// it identifies. The credential may carry an optional "Bearer " prefix.
func (v *Verifier) Verify(credential string) (int64, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return 0, ErrInvalidToken
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}

	var userID int64
	if _, err := fmt.Sscanf(claims.Subject, "%d", &userID); err != nil || userID <= 0 {
		return 0, ErrInvalidToken
	}
	return userID, nil
}

// Sign issues a token for the given user id. It exists for tests and local
// tooling; the production issuer is a separate service sharing the secret.
func (v *Verifier) Sign(userID int64, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", userID),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
