package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier("secret")
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	v.now = func() time.Time { return now }

	good, err := v.Issue("user-1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	expired, _ := v.Issue("user-1", -time.Minute)
	otherKey, _ := (&JWTVerifier{secret: []byte("other"), now: v.now}).Issue("user-1", time.Hour)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte("secret"))
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr error
	}{
		{"valid", good, "user-1", nil},
		{"empty", "", "", ErrMissingCredentials},
		{"expired", expired, "", ErrInvalidCredentials},
		{"wrong key", otherKey, "", ErrInvalidCredentials},
		{"no subject", noSubject, "", ErrInvalidCredentials},
		{"alg none", none, "", ErrInvalidCredentials},
		{"garbage", "a.b.c", "", ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if got != tt.want {
				t.Fatalf("user=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestCredentialFromRequest(t *testing.T) {
	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=query", nil)
		r.Header.Set("Authorization", "Bearer header")
		cred, err := CredentialFromRequest(r)
		if err != nil || cred != "header" {
			t.Fatalf("cred=%q err=%v", cred, err)
		}
	})

	t.Run("query fallback", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=query", nil)
		cred, err := CredentialFromRequest(r)
		if err != nil || cred != "query" {
			t.Fatalf("cred=%q err=%v", cred, err)
		}
	})

	t.Run("other scheme", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Basic abc")
		if _, err := CredentialFromRequest(r); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		if _, err := CredentialFromRequest(r); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("err=%v", err)
		}
	})
}
