package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser is a helper that inserts a user and returns it.
func createTestUser(t *testing.T, s *SQLiteStore, username string, roles, tagIDs []string) *User {
	t.Helper()
	u := &User{
		ID:           uuid.New().String(),
		TenantID:     "default",
		Username:     username,
		PasswordHash: "hash-" + username,
		Roles:        roles,
		TagIDs:       tagIDs,
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("createTestUser(%s): %v", username, err)
	}
	return u
}

// createTestDevice is a helper that inserts an online device and returns it.
func createTestDevice(t *testing.T, s *SQLiteStore, name string, tagIDs []string) *Device {
	t.Helper()
	d := &Device{
		ID:           uuid.New().String(),
		TenantID:     "default",
		Name:         name,
		Hostname:     name + ".local",
		OS:           "linux",
		Arch:         "amd64",
		AgentVersion: "1.0.0",
		TagIDs:       tagIDs,
		ConnectionID: "conn-" + name,
		Online:       true,
		LastSeen:     time.Now(),
		CreatedAt:    time.Now(),
	}
	if err := s.UpsertDevice(context.Background(), d); err != nil {
		t.Fatalf("createTestDevice(%s): %v", name, err)
	}
	return d
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &User{
		ID:           uuid.New().String(),
		TenantID:     "default",
		Username:     "alice",
		PasswordHash: "hashed-pw",
		Roles:        []string{RoleTenantAdministrator},
		TagIDs:       []string{"tag-a", "tag-b"},
		CreatedAt:    time.Now(),
	}

	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUser(ctx, "default", "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got == nil {
		t.Fatal("GetUser returned nil")
	}
	if got.ID != user.ID {
		t.Errorf("ID: got %q, want %q", got.ID, user.ID)
	}
	if got.PasswordHash != "hashed-pw" {
		t.Errorf("PasswordHash: got %q, want %q", got.PasswordHash, "hashed-pw")
	}
	if len(got.Roles) != 1 || got.Roles[0] != RoleTenantAdministrator {
		t.Errorf("Roles: got %v", got.Roles)
	}
	if len(got.TagIDs) != 2 {
		t.Errorf("TagIDs: got %v, want 2 entries", got.TagIDs)
	}

	gotByID, err := s.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if gotByID == nil || gotByID.Username != "alice" {
		t.Fatalf("GetUserByID: got %+v", gotByID)
	}

	// Nonexistent user returns nil, not error
	missing, err := s.GetUser(ctx, "default", "nobody")
	if err != nil {
		t.Fatalf("GetUser(nobody): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for nonexistent user, got %+v", missing)
	}
}

func TestDuplicateUserSameTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestUser(t, s, "alice", []string{RoleUser}, nil)

	dup := &User{
		ID:        uuid.New().String(),
		TenantID:  "default",
		Username:  "alice",
		Roles:     []string{RoleUser},
		CreatedAt: time.Now(),
	}
	if err := s.CreateUser(ctx, dup); err == nil {
		t.Fatal("expected error creating duplicate user, got nil")
	}
}

func TestUpdateUserGrants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "bob", []string{RoleUser}, []string{"tag-old"})

	if err := s.UpdateUserGrants(ctx, u.ID, []string{RoleDeviceSuperUser}, []string{"tag-new"}); err != nil {
		t.Fatalf("UpdateUserGrants: %v", err)
	}

	got, _ := s.GetUserByID(ctx, u.ID)
	if !got.HasRole(RoleDeviceSuperUser) {
		t.Errorf("Roles: got %v, want device-superuser", got.Roles)
	}
	if len(got.TagIDs) != 1 || got.TagIDs[0] != "tag-new" {
		t.Errorf("TagIDs: got %v, want [tag-new]", got.TagIDs)
	}
}

func TestUpsertDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := createTestDevice(t, s, "workstation-1", []string{"tag-a"})

	got, err := s.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got == nil {
		t.Fatal("GetDevice returned nil")
	}
	if !got.Online {
		t.Error("Online: got false, want true")
	}
	if got.ConnectionID != d.ConnectionID {
		t.Errorf("ConnectionID: got %q, want %q", got.ConnectionID, d.ConnectionID)
	}

	// Re-register with changed facts; tags must survive the upsert since they
	// are admin-assigned, not agent-reported.
	d.Hostname = "renamed.local"
	d.AgentVersion = "1.1.0"
	d.TagIDs = nil
	if err := s.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("UpsertDevice (update): %v", err)
	}

	got, _ = s.GetDevice(ctx, d.ID)
	if got.Hostname != "renamed.local" {
		t.Errorf("Hostname after upsert: got %q", got.Hostname)
	}
	if got.AgentVersion != "1.1.0" {
		t.Errorf("AgentVersion after upsert: got %q", got.AgentVersion)
	}
	if len(got.TagIDs) != 1 || got.TagIDs[0] != "tag-a" {
		t.Errorf("TagIDs after upsert: got %v, want [tag-a]", got.TagIDs)
	}
}

func TestSetDeviceTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := createTestDevice(t, s, "workstation-1", nil)

	if err := s.SetDeviceTags(ctx, d.ID, []string{"tag-x", "tag-y"}); err != nil {
		t.Fatalf("SetDeviceTags: %v", err)
	}

	got, _ := s.GetDevice(ctx, d.ID)
	if len(got.TagIDs) != 2 {
		t.Fatalf("TagIDs: got %v, want 2 entries", got.TagIDs)
	}
}

func TestMarkDeviceOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := createTestDevice(t, s, "workstation-1", nil)
	when := time.Now().Add(-time.Minute)

	if err := s.MarkDeviceOffline(ctx, d.ID, when); err != nil {
		t.Fatalf("MarkDeviceOffline: %v", err)
	}

	got, _ := s.GetDevice(ctx, d.ID)
	if got.Online {
		t.Error("Online: got true, want false")
	}
	if got.ConnectionID != "" {
		t.Errorf("ConnectionID: got %q, want empty", got.ConnectionID)
	}

	// Marking a device that does not exist is a no-op, not an error.
	if err := s.MarkDeviceOffline(ctx, "no-such-device", when); err != nil {
		t.Fatalf("MarkDeviceOffline(missing): %v", err)
	}
}

func TestMarkAllDevicesOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestDevice(t, s, "a", nil)
	createTestDevice(t, s, "b", nil)

	if err := s.MarkAllDevicesOffline(ctx, time.Now()); err != nil {
		t.Fatalf("MarkAllDevicesOffline: %v", err)
	}

	devices, err := s.ListDevices(ctx, "default")
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	for _, d := range devices {
		if d.Online || d.ConnectionID != "" {
			t.Errorf("device %s still online after reset: %+v", d.Name, d)
		}
	}
}

func TestListDevicesScopedByTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTenant(ctx, &Tenant{ID: "other", Name: "Other", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	createTestDevice(t, s, "mine", nil)
	theirs := &Device{
		ID:        uuid.New().String(),
		TenantID:  "other",
		Name:      "theirs",
		LastSeen:  time.Now(),
		CreatedAt: time.Now(),
	}
	if err := s.UpsertDevice(ctx, theirs); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	devices, err := s.ListDevices(ctx, "default")
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "mine" {
		t.Fatalf("ListDevices(default): got %+v, want only 'mine'", devices)
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []*AuditEvent{
		{ID: uuid.New().String(), TenantID: "default", Action: AuditActionLogin, UserID: "u1", Detail: json.RawMessage(`{"ip":"10.0.0.1"}`), CreatedAt: time.Now()},
		{ID: uuid.New().String(), TenantID: "default", Action: AuditActionAccessDenied, UserID: "u1", DeviceID: "d1", CreatedAt: time.Now()},
		{ID: uuid.New().String(), TenantID: "default", Action: AuditActionAgentConnect, DeviceID: "d1", CreatedAt: time.Now()},
	}

	for _, e := range events {
		if err := s.LogAuditEvent(ctx, e); err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	all, err := s.ListAuditEvents(ctx, "default", 100, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListAuditEvents: got %d, want 3", len(all))
	}

	limited, err := s.ListAuditEvents(ctx, "default", 2, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents(limit=2): %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("ListAuditEvents(limit=2): got %d, want 2", len(limited))
	}
}

func TestPurgeOldAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &AuditEvent{ID: uuid.New().String(), TenantID: "default", Action: AuditActionLogin, CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := &AuditEvent{ID: uuid.New().String(), TenantID: "default", Action: AuditActionLogin, CreatedAt: time.Now()}
	for _, e := range []*AuditEvent{old, recent} {
		if err := s.LogAuditEvent(ctx, e); err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	purged, err := s.PurgeOldAuditEvents(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldAuditEvents: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged: got %d, want 1", purged)
	}

	remaining, _ := s.ListAuditEvents(ctx, "default", 100, 0)
	if len(remaining) != 1 {
		t.Fatalf("remaining events: got %d, want 1", len(remaining))
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
