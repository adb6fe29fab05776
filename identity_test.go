package roomsync

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIdentityFromToken(t *testing.T) {
	key := []byte("secret")
	token, err := SignToken(Identity{UserID: "u1", DisplayName: "Ada"}, key, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := IdentityFromToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.UserID != "u1" || id.DisplayName != "Ada" {
		t.Fatalf("identity = %+v", id)
	}
	if id.Expired(time.Now()) || !id.Expired(time.Now().Add(2*time.Hour)) {
		t.Fatalf("expiry = %v", id.ExpiresAt)
	}

	if _, err := IdentityFromToken("not-a-token"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestIdentityFromToken_Fallbacks(t *testing.T) {
	tests := []struct {
		name     string
		claims   jwt.MapClaims
		wantID   string
		wantName string
		wantErr  bool
	}{
		{"subject only", jwt.MapClaims{"sub": "u2"}, "u2", "u2", false},
		{"username", jwt.MapClaims{"user_id": "u3", "username": "grace"}, "u3", "grace", false},
		{"no user", jwt.MapClaims{"name": "nobody"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, tt.claims).SignedString([]byte("k"))
			id, err := IdentityFromToken(token)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if id.UserID != tt.wantID || id.DisplayName != tt.wantName {
				t.Fatalf("identity = %+v", id)
			}
			if id.Expired(time.Now()) {
				t.Fatal("token without exp must not expire")
			}
		})
	}
}

func TestVerifyToken(t *testing.T) {
	key := []byte("secret")
	token, _ := SignToken(Identity{UserID: "u1"}, key, time.Hour)

	if _, err := VerifyToken(token, key); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := VerifyToken(token, []byte("other")); err == nil {
		t.Fatal("wrong key accepted")
	}

	expired, _ := SignToken(Identity{UserID: "u1"}, key, -time.Minute)
	if _, err := VerifyToken(expired, key); err == nil {
		t.Fatal("expired token accepted")
	}

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := VerifyToken(none, key); err == nil {
		t.Fatal("unsigned token accepted")
	}
}
