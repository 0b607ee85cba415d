// Package directory maintains the persistent device records behind the live
// agent connections.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tetherhq/tether/internal/store"
	"github.com/tetherhq/tether/pkg/protocol"
)

// ConnContext carries the server-resolved facts of an agent connection.
// Everything here comes from transport auth and the socket, never from the
// agent's payload.
type ConnContext struct {
	DeviceID     string
	TenantID     string
	ConnectionID string
	RemoteAddr   string
}

// Directory applies registrations and presence transitions to the store.
type Directory struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a device directory over the given store.
func New(s store.Store, logger *slog.Logger) *Directory {
	return &Directory{store: s, logger: logger.With("component", "directory")}
}

// RegisterOrUpdate upserts the device row for an agent registration. The
// tenant ID, connection ID, online flag, last-seen time and public IP are
// stamped from the connection context; all other mutable fields come from the
// snapshot. Tag assignments are admin-owned and survive re-registration.
// Concurrent registrations for the same device ID are last writer wins.
func (d *Directory) RegisterOrUpdate(ctx context.Context, snap protocol.DeviceSnapshot, conn ConnContext) (*store.Device, error) {
	existing, err := d.store.GetDevice(ctx, conn.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	now := time.Now().UTC()
	device := &store.Device{
		ID:           conn.DeviceID,
		TenantID:     conn.TenantID,
		Name:         snap.Name,
		Hostname:     snap.Hostname,
		OS:           snap.OS,
		Arch:         snap.Arch,
		AgentVersion: snap.AgentVersion,
		ConnectionID: conn.ConnectionID,
		Online:       true,
		LastSeen:     now,
		PublicIP:     hostOnly(conn.RemoteAddr),
		CreatedAt:    now,
	}
	if device.Name == "" {
		device.Name = snap.Hostname
	}
	if snap.Drives != nil {
		drives, err := json.Marshal(snap.Drives)
		if err != nil {
			return nil, fmt.Errorf("encode drives: %w", err)
		}
		device.Drives = string(drives)
	}
	if existing != nil {
		device.TagIDs = existing.TagIDs
		device.CreatedAt = existing.CreatedAt
		if existing.TenantID != conn.TenantID {
			// The tenant is pinned at first registration; a token minted for
			// another tenant must not move the device.
			return nil, fmt.Errorf("device %s belongs to tenant %s", conn.DeviceID, existing.TenantID)
		}
	}

	if err := d.store.UpsertDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("upsert device: %w", err)
	}

	d.logger.Debug("device registered",
		"device_id", device.ID, "tenant_id", device.TenantID, "conn_id", conn.ConnectionID)
	return device, nil
}

// MarkOffline clears the connection binding for a device. It is idempotent:
// marking an unknown or already-offline device succeeds without effect.
func (d *Directory) MarkOffline(ctx context.Context, deviceID string, when time.Time) (*store.Device, error) {
	if err := d.store.MarkDeviceOffline(ctx, deviceID, when); err != nil {
		return nil, fmt.Errorf("mark offline: %w", err)
	}
	return d.store.GetDevice(ctx, deviceID)
}

// Get loads a device row without any visibility filtering.
func (d *Directory) Get(ctx context.Context, deviceID string) (*store.Device, error) {
	return d.store.GetDevice(ctx, deviceID)
}

// ListVisible returns the tenant's devices that a caller may see: all of them
// when blanket is set, otherwise only those sharing one of the caller's tags.
func (d *Directory) ListVisible(ctx context.Context, tenantID string, tagIDs []string, blanket bool) ([]store.Device, error) {
	devices, err := d.store.ListDevices(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if blanket {
		return devices, nil
	}

	tags := make(map[string]struct{}, len(tagIDs))
	for _, tag := range tagIDs {
		tags[tag] = struct{}{}
	}
	visible := devices[:0]
	for _, device := range devices {
		for _, tag := range device.TagIDs {
			if _, ok := tags[tag]; ok {
				visible = append(visible, device)
				break
			}
		}
	}
	return visible, nil
}

// Update converts a device row to its wire representation.
func Update(device *store.Device) protocol.DeviceUpdate {
	return protocol.DeviceUpdate{
		ID:           device.ID,
		TenantID:     device.TenantID,
		Name:         device.Name,
		Hostname:     device.Hostname,
		OS:           device.OS,
		Arch:         device.Arch,
		AgentVersion: device.AgentVersion,
		Online:       device.Online,
		LastSeen:     device.LastSeen,
		PublicIP:     device.PublicIP,
		TagIDs:       device.TagIDs,
	}
}

// hostOnly strips the port from a remote address, tolerating bare hosts.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
