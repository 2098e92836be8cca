package auth

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return token
}

func tokenFor(t *testing.T, userID int64, exp time.Time) string {
	t.Helper()
	return signToken(t, jwt.MapClaims{"user_id": userID, "exp": exp.Unix(), "token_type": "access"})
}

func TestJWTDecoderDecode(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	claims, err := NewJWTDecoder().Decode(tokenFor(t, 7, exp))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if claims.ExpiresAt != exp.Unix() {
		t.Fatalf("expected exp %d, got %d", exp.Unix(), claims.ExpiresAt)
	}
	if claims.SubjectID != 7 {
		t.Fatalf("expected subject 7, got %d", claims.SubjectID)
	}
}

func TestJWTDecoderSubjectFallback(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "42", "exp": time.Now().Add(time.Hour).Unix()})
	claims, err := NewJWTDecoder().Decode(token)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if claims.SubjectID != 42 {
		t.Fatalf("expected subject 42, got %d", claims.SubjectID)
	}
}

func TestJWTDecoderIgnoresSignature(t *testing.T) {
	token := tokenFor(t, 3, time.Now().Add(time.Hour))
	// Corrupt the signature segment; decoding must still succeed.
	tampered := token[:len(token)-4] + "AAAA"
	if _, err := NewJWTDecoder().Decode(tampered); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
}

func TestJWTDecoderRejectsMalformed(t *testing.T) {
	noExp := signToken(t, jwt.MapClaims{"user_id": 1})
	badPayload := "eyJhbGciOiJIUzI1NiJ9." + base64.RawURLEncoding.EncodeToString([]byte("not json")) + ".sig"

	tests := map[string]string{
		"empty":       "",
		"one segment": "abc",
		"two segment": "abc.def",
		"bad payload": badPayload,
		"missing exp": noExp,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewJWTDecoder().Decode(token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	decoder := NewJWTDecoder()

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"future", tokenFor(t, 1, now.Add(time.Minute)), false},
		{"exactly now", tokenFor(t, 1, now), true},
		{"ten seconds ago", tokenFor(t, 1, now.Add(-10*time.Second)), true},
		{"garbage", "not-a-token", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(decoder, tt.token, now); got != tt.want {
				t.Fatalf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}
