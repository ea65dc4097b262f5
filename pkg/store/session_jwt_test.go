package store

import (
	"errors"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestSessionStore(t *testing.T, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	s, err := NewJWTSessionStore(testSecret, time.Hour, revoker, opts)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return s
}

func TestJWTSessionStoreRoundTrip(t *testing.T) {
	s := newTestSessionStore(t, NewMemoryTokenRevoker(), JWTOptions{})
	token, err := s.NewSession(42)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	id, ok, err := s.GetAccountIDByToken(token)
	if err != nil || !ok {
		t.Fatalf("resolve token: ok=%v err=%v", ok, err)
	}
	if id != 42 {
		t.Fatalf("expected account 42, got %d", id)
	}
}

func TestJWTSessionStoreRejectsShortSecret(t *testing.T) {
	if _, err := NewJWTSessionStore("short", time.Hour, nil, JWTOptions{}); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	signing := newTestSessionStore(t, nil, JWTOptions{Audience: "aud-a"})
	verify := newTestSessionStore(t, nil, JWTOptions{Audience: "aud-b"})

	token, err := signing.NewSession(1)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := verify.GetAccountIDByToken(token); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestJWTSessionStoreRejectsOtherSecret(t *testing.T) {
	s := newTestSessionStore(t, nil, JWTOptions{})
	other, err := NewJWTSessionStore(strings.Repeat("z", 32), time.Hour, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("other store: %v", err)
	}
	token, err := other.NewSession(1)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, ok, err := s.GetAccountIDByToken(token); err == nil || ok {
		t.Fatalf("expected foreign signature to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRejectsNoneAlgorithm(t *testing.T) {
	s := newTestSessionStore(t, nil, JWTOptions{})
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "1",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        "jti",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, ok, err := s.GetAccountIDByToken(token); err == nil || ok {
		t.Fatalf("expected unsigned token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	s := newTestSessionStore(t, NewMemoryTokenRevoker(), JWTOptions{})
	token, err := s.NewSession(7)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetAccountIDByToken(token); !errors.Is(err, ErrTokenRevoked) || ok {
		t.Fatalf("expected revoked token to fail, ok=%v err=%v", ok, err)
	}
	if err := s.DeleteSession("garbage"); err != nil {
		t.Fatalf("deleting an invalid token should be a no-op, got %v", err)
	}
}
