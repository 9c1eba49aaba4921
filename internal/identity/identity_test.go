package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestFromToken_ExtractsClaims(t *testing.T) {
	t.Parallel()

	token := signedToken(t, Claims{
		UserID: "chv-17",
		Role:   "chv",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	c, err := FromToken(token)
	if err != nil {
		t.Fatalf("FromToken: %v", err)
	}
	if c.UserID() != "chv-17" {
		t.Errorf("UserID = %q, want %q", c.UserID(), "chv-17")
	}
	if c.Role() != "chv" {
		t.Errorf("Role = %q, want %q", c.Role(), "chv")
	}
	if c.Token() != token {
		t.Error("Token() should return the raw bearer token")
	}
	if c.Expired(time.Now()) {
		t.Error("credential should not be expired")
	}
}

func TestFromToken_FallsBackToSubject(t *testing.T) {
	t.Parallel()

	token := signedToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-9"},
	})

	c, err := FromToken(token)
	if err != nil {
		t.Fatalf("FromToken: %v", err)
	}
	if c.UserID() != "user-9" {
		t.Errorf("UserID = %q, want %q", c.UserID(), "user-9")
	}
}

func TestFromToken_Malformed(t *testing.T) {
	t.Parallel()

	if _, err := FromToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestFromToken_NoIdentity(t *testing.T) {
	t.Parallel()

	token := signedToken(t, Claims{})
	if _, err := FromToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken for token without user identity", err)
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	token := signedToken(t, Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})

	c, err := FromToken(token)
	if err != nil {
		t.Fatalf("FromToken: %v", err)
	}
	if !c.Expired(time.Now()) {
		t.Error("credential with past expiry should report Expired")
	}
}
