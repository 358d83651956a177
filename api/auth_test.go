package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestLocalAuthRoundtrip(t *testing.T) {
	auth := NewLocalAuth(testSecret)
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	userID, err := auth.UserIDFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %q", userID)
	}
}

func TestLocalAuthRejectsExpired(t *testing.T) {
	auth := NewLocalAuth(testSecret)
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := auth.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestLocalAuthRejectsWrongSecret(t *testing.T) {
	auth := NewLocalAuth([]byte("a different secret"))
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := auth.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected signature mismatch to be rejected")
	}
}

func TestLocalAuthRejectsMissingSub(t *testing.T) {
	auth := NewLocalAuth(testSecret)
	token := signToken(t, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := auth.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expected token without sub to be rejected")
	}
}

func TestAuthHeaderShapes(t *testing.T) {
	auth := NewLocalAuth(testSecret)
	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer not-a-jwt", "Bearer a.b"} {
		if _, err := auth.UserIDFromAuthHeader(header); err == nil {
			t.Fatalf("expected header %q to be rejected", header)
		}
	}
}
