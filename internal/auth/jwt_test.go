package auth

import (
	"strings"
	"testing"
	"time"

	"productshot/internal/entity"
)

func TestNewManagerAndTokenLifecycle(t *testing.T) {
	mgr, err := NewManager("test-secret", "issuer", 30*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error creating manager: %v", err)
	}

	user := &entity.DbUser{ID: 42, Email: "user@example.com", Role: entity.UserRoleAdmin}
	token, expiresAt, err := mgr.GenerateToken(user)
	if err != nil {
		t.Fatalf("unexpected error generating token: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if expiresAt.Before(time.Now()) {
		t.Fatal("expected future expiry time")
	}

	claims, err := mgr.ParseToken(token)
	if err != nil {
		t.Fatalf("unexpected error parsing token: %v", err)
	}
	if claims.UserID != user.ID {
		t.Fatalf("expected user id %d, got %d", user.ID, claims.UserID)
	}
	if !strings.EqualFold(claims.Email, user.Email) {
		t.Fatalf("expected email %s, got %s", user.Email, claims.Email)
	}
	if claims.Role != user.Role {
		t.Fatalf("expected role %s, got %s", user.Role, claims.Role)
	}
}

func TestNewManagerRequiresSecret(t *testing.T) {
	if _, err := NewManager("   ", "", time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestParseTokenRejects(t *testing.T) {
	mgr, _ := NewManager("secret-a", "productshot", time.Hour)
	other, _ := NewManager("secret-b", "productshot", time.Hour)
	foreign, _ := NewManager("secret-a", "someone-else", time.Hour)
	user := &entity.DbUser{ID: 7, Email: "a@example.com", Role: entity.UserRoleUser}

	expired, _ := NewManager("secret-a", "productshot", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	tests := []struct {
		name   string
		issuer *Manager
	}{
		{name: "签名不一致", issuer: other},
		{name: "签发方不一致", issuer: foreign},
		{name: "令牌已过期", issuer: expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, _, err := tt.issuer.GenerateToken(user)
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if _, err := mgr.ParseToken(token); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestInspectToken(t *testing.T) {
	mgr, _ := NewManager("secret", "", time.Hour)
	token, _, err := mgr.GenerateToken(&entity.DbUser{ID: 9, Email: "x@example.com"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := InspectToken("Bearer " + token)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if claims.UserID != 9 {
		t.Fatalf("expected user 9, got %d", claims.UserID)
	}

	if _, err := InspectToken(""); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := InspectToken("not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
