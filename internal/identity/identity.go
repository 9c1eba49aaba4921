// Package identity holds the authenticated session credential the agent
// presents to the backend. The backend signs and verifies tokens; the agent
// only reads claims to address the channel and to refuse a stale credential
// before dialing.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims are the backend-issued token claims the agent cares about.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Credential is an authenticated user plus the bearer token proving it.
type Credential struct {
	token  string
	claims Claims
}

// FromToken builds a Credential from a backend-issued bearer token. The
// signature is not verified here (the agent has no key material); claims are
// extracted for addressing and local expiry checks only.
func FromToken(token string) (*Credential, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" && claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Credential{token: token, claims: claims}, nil
}

// Token returns the raw bearer token.
func (c *Credential) Token() string { return c.token }

// UserID returns the authenticated user, preferring the explicit claim over
// the registered subject.
func (c *Credential) UserID() string {
	if c.claims.UserID != "" {
		return c.claims.UserID
	}
	return c.claims.Subject
}

// Role returns the clinical role carried by the token, if any.
func (c *Credential) Role() string { return c.claims.Role }

// Expired reports whether the token is past its expiry at the given time.
// Tokens without an expiry claim never expire locally.
func (c *Credential) Expired(now time.Time) bool {
	return c.claims.ExpiresAt != nil && now.After(c.claims.ExpiresAt.Time)
}
