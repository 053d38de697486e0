package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/thoughts/internal/session"
)

func signTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	token := signTestToken(t, jwt.MapClaims{"user_id": 1, "exp": exp.Unix()})

	got, err := TokenExpiry(token)
	if err != nil {
		t.Fatalf("TokenExpiry returned error: %v", err)
	}
	if !got.Equal(exp) {
		t.Errorf("TokenExpiry = %v, want %v", got, exp)
	}
}

func TestTokenExpiry_NoExp(t *testing.T) {
	token := signTestToken(t, jwt.MapClaims{"user_id": 1})

	if _, err := TokenExpiry(token); !errors.Is(err, ErrNoExpiry) {
		t.Errorf("expected ErrNoExpiry, got %v", err)
	}
}

func TestTokenExpiry_Opaque(t *testing.T) {
	if _, err := TokenExpiry("tok1"); err == nil {
		t.Error("expected error for a non-JWT token")
	}
}

func TestSessionExpiry(t *testing.T) {
	store := session.NewStore(session.NewMemoryBackend(), "")
	client := NewClient(nil, store, nil, Config{})

	if _, err := client.SessionExpiry(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	seedSession(t, store, signTestToken(t, jwt.MapClaims{"exp": exp.Unix()}))

	got, err := client.SessionExpiry(context.Background())
	if err != nil {
		t.Fatalf("SessionExpiry returned error: %v", err)
	}
	if !got.Equal(exp) {
		t.Errorf("SessionExpiry = %v, want %v", got, exp)
	}
}
