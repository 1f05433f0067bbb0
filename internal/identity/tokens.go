package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the signed payload of a session token. The token only
// names the session; expiry and revocation are decided by the broker's
// server-side record.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// TokenSigner issues and verifies HS256 session tokens.
type TokenSigner struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenSigner returns a signer for secret. now may be nil.
func NewTokenSigner(secret []byte, issuer string, now func() time.Time) *TokenSigner {
	if now == nil {
		now = time.Now
	}
	return &TokenSigner{secret: secret, issuer: issuer, now: now}
}

// Issue signs a token for session s expiring at s's absolute deadline.
func (t *TokenSigner) Issue(s *Session) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.PrincipalID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(s.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(s.AbsoluteDeadline()),
		},
		SessionID: s.ID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// Parse verifies signature, issuer and expiry and returns the claims.
// An expired token yields ErrExpired; anything else unusable yields
// ErrUnauthenticated.
func (t *TokenSigner) Parse(token string) (*SessionClaims, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpired
	}
	if err != nil || !parsed.Valid || claims.SessionID == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}
