// Package authz gates every cross-party operation on a device.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/auth"
	"github.com/tetherhq/tether/internal/store"
)

// ErrUnauthorized is the uniform denial returned for every failed
// authorization, including devices that do not exist. Callers learn nothing
// about why.
var ErrUnauthorized = errors.New("unauthorized")

// Gate authorizes operations against devices.
type Gate struct {
	store  store.Store
	logger *slog.Logger
}

// NewGate creates an authorization gate.
func NewGate(s store.Store, logger *slog.Logger) *Gate {
	return &Gate{store: s, logger: logger.With("component", "authz")}
}

// Authorize checks that the identity may run the named operation against the
// device and returns the live device row on success. Access requires the
// device to exist in the identity's tenant and either a blanket role or a
// tag intersection. Every denial is logged with the caller, device and
// operation, persisted as an audit event, and reported as ErrUnauthorized.
func (g *Gate) Authorize(ctx context.Context, ident *auth.Identity, deviceID, operation string) (*store.Device, error) {
	device, err := g.store.GetDevice(ctx, deviceID)
	if err != nil {
		g.logger.Error("device lookup failed", "device_id", deviceID, "error", err)
		return nil, ErrUnauthorized
	}

	switch {
	case device == nil:
		return nil, g.deny(ctx, ident, deviceID, operation, "device not found")
	case device.TenantID != ident.TenantID:
		return nil, g.deny(ctx, ident, deviceID, operation, "tenant mismatch")
	case ident.HasBlanketDeviceAccess():
		return device, nil
	case tagsIntersect(ident.TagIDs, device.TagIDs):
		return device, nil
	default:
		return nil, g.deny(ctx, ident, deviceID, operation, "no shared tags")
	}
}

func (g *Gate) deny(ctx context.Context, ident *auth.Identity, deviceID, operation, reason string) error {
	g.logger.Warn("device access denied",
		"user_id", ident.UserID,
		"username", ident.Username,
		"tenant_id", ident.TenantID,
		"device_id", deviceID,
		"operation", operation,
		"reason", reason)

	detail, _ := json.Marshal(map[string]string{"operation": operation, "reason": reason})
	event := &store.AuditEvent{
		ID:        uuid.New().String(),
		TenantID:  ident.TenantID,
		Action:    store.AuditActionAccessDenied,
		UserID:    ident.UserID,
		DeviceID:  deviceID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.LogAuditEvent(ctx, event); err != nil {
		g.logger.Error("audit log failed", "error", err)
	}

	return ErrUnauthorized
}

func tagsIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			return true
		}
	}
	return false
}
