package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/store"
)

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		AgentTokens: []config.AgentTokenEntry{
			{DeviceID: "dev-1", TenantID: "default", Token: "token-1"},
		},
		AgentTokenSecret:   "test-hmac-secret-for-agent-tokens",
		AgentTokenLifetime: config.Duration{Duration: 1 * time.Hour},
	}

	svc := NewService(s, cfg)
	return svc, s
}

func TestBootstrapAdmin(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	admin := &config.InitialAdmin{
		Username: "admin",
		Password: "admin-password",
	}

	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("BootstrapAdmin: %v", err)
	}

	user, err := s.GetUser(ctx, "default", "admin")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if !user.HasRole(store.RoleServerAdministrator) {
		t.Errorf("Roles: got %v, want server-administrator", user.Roles)
	}
	if !user.HasRole(store.RoleTenantAdministrator) {
		t.Errorf("Roles: got %v, want tenant-administrator", user.Roles)
	}

	// Second bootstrap should be idempotent (no error, no duplicate)
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("BootstrapAdmin (idempotent): %v", err)
	}
	users, err := s.ListUsers(ctx, "default")
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("expected 1 user after double bootstrap, got %d", len(users))
	}

	// Bootstrap with nil should be a no-op
	if err := svc.BootstrapAdmin(ctx, nil); err != nil {
		t.Fatalf("BootstrapAdmin(nil): %v", err)
	}
}

func TestLoginSuccess(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "default", "alice", "secret123", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "default", "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("Login returned empty token")
	}

	// Token should be a valid JWT (three dot-separated parts)
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Errorf("expected JWT with 3 parts, got %d", len(parts))
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "default", "alice", "secret123", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := svc.Login(ctx, "default", "alice", "wrong-password")
	if err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginNonexistentUser(t *testing.T) {
	svc, _ := newTestAuthService(t)

	_, err := svc.Login(context.Background(), "default", "nobody", "password")
	if err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestValidateToken(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "default", "alice", "secret123", []string{store.RoleDeviceSuperUser})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "default", "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	identity, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}

	if identity.UserID != user.ID {
		t.Errorf("UserID: got %q, want %q", identity.UserID, user.ID)
	}
	if identity.Username != "alice" {
		t.Errorf("Username: got %q, want %q", identity.Username, "alice")
	}
	if identity.TenantID != "default" {
		t.Errorf("TenantID: got %q, want %q", identity.TenantID, "default")
	}
	if !identity.HasBlanketDeviceAccess() {
		t.Errorf("expected blanket device access for roles %v", identity.Roles)
	}
}

func TestTokenCarriesTagGrants(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "default", "bob", "secret123", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.UpdateUserGrants(ctx, user.ID, []string{store.RoleUser}, []string{"tag-a", "tag-b"}); err != nil {
		t.Fatalf("UpdateUserGrants: %v", err)
	}

	token, err := svc.Login(ctx, "default", "bob", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	identity, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if len(identity.TagIDs) != 2 {
		t.Errorf("TagIDs: got %v, want 2 entries", identity.TagIDs)
	}
	if identity.HasBlanketDeviceAccess() {
		t.Error("plain user should not have blanket device access")
	}
}

func TestExpiredToken(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret:          "test-secret-at-least-32-chars-long",
		JWTExpiry:          config.Duration{Duration: -1 * time.Hour}, // expired 1h ago
		AgentTokenSecret:   "test-hmac-secret-for-agent-tokens",
		AgentTokenLifetime: config.Duration{Duration: 1 * time.Hour},
	}

	svc := NewService(s, cfg)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "default", "alice", "secret123", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.Login(ctx, "default", "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	_, err = svc.ValidateToken(ctx, token)
	if err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestValidateAgentToken(t *testing.T) {
	svc, _ := newTestAuthService(t)

	tenantID, ok := svc.ValidateAgentToken("dev-1", "token-1")
	if !ok {
		t.Fatal("expected valid agent token")
	}
	if tenantID != "default" {
		t.Errorf("tenantID: got %q, want %q", tenantID, "default")
	}

	if _, ok := svc.ValidateAgentToken("dev-1", "wrong-token"); ok {
		t.Error("expected wrong token to fail")
	}
	if _, ok := svc.ValidateAgentToken("dev-unknown", "token-1"); ok {
		t.Error("expected unknown device to fail")
	}
}

func TestGenerateAndValidateTimeLimitedToken(t *testing.T) {
	svc, _ := newTestAuthService(t)

	token := svc.GenerateAgentToken("my-device", "acme")
	if token == "" {
		t.Fatal("GenerateAgentToken returned empty string")
	}

	parts := strings.SplitN(token, ":", 4)
	if len(parts) != 4 {
		t.Fatalf("expected 4 colon-separated parts, got %d", len(parts))
	}

	deviceID, tenantID, err := svc.ValidateTimeLimitedToken(token)
	if err != nil {
		t.Fatalf("ValidateTimeLimitedToken: %v", err)
	}
	if deviceID != "my-device" {
		t.Errorf("deviceID: got %q, want %q", deviceID, "my-device")
	}
	if tenantID != "acme" {
		t.Errorf("tenantID: got %q, want %q", tenantID, "acme")
	}
}

func TestTimeLimitedTokenExpired(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret:          "test-secret-at-least-32-chars-long",
		JWTExpiry:          config.Duration{Duration: 1 * time.Hour},
		AgentTokenSecret:   "test-hmac-secret-for-agent-tokens",
		AgentTokenLifetime: config.Duration{Duration: 1 * time.Millisecond},
	}
	svc := NewService(s, cfg)

	token := svc.GenerateAgentToken("my-device", "default")
	time.Sleep(10 * time.Millisecond)

	_, _, err = svc.ValidateTimeLimitedToken(token)
	if err == nil {
		t.Fatal("expected error for expired time-limited token, got nil")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Errorf("expected expiry error, got: %v", err)
	}
}

func TestTimeLimitedTokenBadSignature(t *testing.T) {
	svc, _ := newTestAuthService(t)

	token := svc.GenerateAgentToken("my-device", "default")
	tampered := token[:len(token)-1] + "X"

	_, _, err := svc.ValidateTimeLimitedToken(tampered)
	if err == nil {
		t.Fatal("expected error for tampered token, got nil")
	}
	if !strings.Contains(err.Error(), "signature") {
		t.Errorf("expected signature error, got: %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "default", "alice", "secret123", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := svc.Register(ctx, "default", "alice", "other-password", nil)
	if err != ErrUserExists {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}
