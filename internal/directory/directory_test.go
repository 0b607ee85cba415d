package directory

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/tetherhq/tether/internal/store"
	"github.com/tetherhq/tether/pkg/protocol"
)

func newTestDirectory(t *testing.T) (*Directory, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, slog.Default()), s
}

func testSnapshot(name string) protocol.DeviceSnapshot {
	return protocol.DeviceSnapshot{
		Name:         name,
		Hostname:     name + ".local",
		OS:           "linux",
		Arch:         "amd64",
		AgentVersion: "1.0.0",
		Drives:       []protocol.Drive{{Name: "/", TotalBytes: 1 << 30, FreeBytes: 1 << 29}},
	}
}

func TestRegisterStampsConnectionFields(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	device, err := d.RegisterOrUpdate(ctx, testSnapshot("ws-1"), ConnContext{
		DeviceID:     "dev-1",
		TenantID:     "default",
		ConnectionID: "conn-abc",
		RemoteAddr:   "203.0.113.9:51234",
	})
	if err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}

	if !device.Online {
		t.Error("Online: got false, want true")
	}
	if device.ConnectionID != "conn-abc" {
		t.Errorf("ConnectionID: got %q, want %q", device.ConnectionID, "conn-abc")
	}
	if device.PublicIP != "203.0.113.9" {
		t.Errorf("PublicIP: got %q, want %q", device.PublicIP, "203.0.113.9")
	}
	if device.TenantID != "default" {
		t.Errorf("TenantID: got %q", device.TenantID)
	}
	if device.LastSeen.IsZero() {
		t.Error("LastSeen is zero")
	}
}

func TestReregistrationPreservesTags(t *testing.T) {
	d, s := newTestDirectory(t)
	ctx := context.Background()

	conn := ConnContext{DeviceID: "dev-1", TenantID: "default", ConnectionID: "c1", RemoteAddr: "10.0.0.1:1"}
	if _, err := d.RegisterOrUpdate(ctx, testSnapshot("ws-1"), conn); err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}
	if err := s.SetDeviceTags(ctx, "dev-1", []string{"tag-a"}); err != nil {
		t.Fatalf("SetDeviceTags: %v", err)
	}

	conn.ConnectionID = "c2"
	snap := testSnapshot("ws-1-renamed")
	device, err := d.RegisterOrUpdate(ctx, snap, conn)
	if err != nil {
		t.Fatalf("RegisterOrUpdate (again): %v", err)
	}

	if device.ConnectionID != "c2" {
		t.Errorf("ConnectionID: got %q, want c2", device.ConnectionID)
	}
	if device.Name != "ws-1-renamed" {
		t.Errorf("Name: got %q", device.Name)
	}
	if len(device.TagIDs) != 1 || device.TagIDs[0] != "tag-a" {
		t.Errorf("TagIDs: got %v, want [tag-a]", device.TagIDs)
	}
}

func TestRegisterRejectsTenantMove(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	if _, err := d.RegisterOrUpdate(ctx, testSnapshot("ws-1"), ConnContext{
		DeviceID: "dev-1", TenantID: "default", ConnectionID: "c1", RemoteAddr: "10.0.0.1:1",
	}); err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}

	_, err := d.RegisterOrUpdate(ctx, testSnapshot("ws-1"), ConnContext{
		DeviceID: "dev-1", TenantID: "other", ConnectionID: "c2", RemoteAddr: "10.0.0.1:1",
	})
	if err == nil {
		t.Fatal("expected error re-registering under a different tenant")
	}
}

func TestMarkOffline(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	if _, err := d.RegisterOrUpdate(ctx, testSnapshot("ws-1"), ConnContext{
		DeviceID: "dev-1", TenantID: "default", ConnectionID: "c1", RemoteAddr: "10.0.0.1:1",
	}); err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}

	when := time.Now().UTC()
	device, err := d.MarkOffline(ctx, "dev-1", when)
	if err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	if device == nil {
		t.Fatal("MarkOffline returned nil device")
	}
	if device.Online {
		t.Error("Online: got true, want false")
	}
	if device.ConnectionID != "" {
		t.Errorf("ConnectionID: got %q, want empty", device.ConnectionID)
	}

	// Unknown device: idempotent, no error, nil row.
	missing, err := d.MarkOffline(ctx, "no-such-device", when)
	if err != nil {
		t.Fatalf("MarkOffline(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing device, got %+v", missing)
	}
}

func TestListVisible(t *testing.T) {
	d, s := newTestDirectory(t)
	ctx := context.Background()

	register := func(id string, tags []string) {
		t.Helper()
		if _, err := d.RegisterOrUpdate(ctx, testSnapshot(id), ConnContext{
			DeviceID: id, TenantID: "default", ConnectionID: "c-" + id, RemoteAddr: "10.0.0.1:1",
		}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		if tags != nil {
			if err := s.SetDeviceTags(ctx, id, tags); err != nil {
				t.Fatalf("SetDeviceTags %s: %v", id, err)
			}
		}
	}

	register("dev-a", []string{"web"})
	register("dev-b", []string{"db"})
	register("dev-c", nil)

	// Blanket sees everything.
	all, err := d.ListVisible(ctx, "default", nil, true)
	if err != nil {
		t.Fatalf("ListVisible(blanket): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("blanket: got %d devices, want 3", len(all))
	}

	// Tag-scoped sees only intersecting devices.
	scoped, err := d.ListVisible(ctx, "default", []string{"web"}, false)
	if err != nil {
		t.Fatalf("ListVisible(web): %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != "dev-a" {
		t.Fatalf("web scope: got %+v, want only dev-a", scoped)
	}

	// No tags, no blanket: nothing.
	none, err := d.ListVisible(ctx, "default", nil, false)
	if err != nil {
		t.Fatalf("ListVisible(none): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("no-tag scope: got %d devices, want 0", len(none))
	}
}
