// Package store defines the persistence interface for the server and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the server.
type Store interface {
	// Tenants
	CreateTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, tenantID, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	ListUsers(ctx context.Context, tenantID string) ([]User, error)
	UpdateUserGrants(ctx context.Context, id string, roles, tagIDs []string) error

	// Devices
	UpsertDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, tenantID string) ([]Device, error)
	SetDeviceTags(ctx context.Context, id string, tagIDs []string) error
	MarkDeviceOffline(ctx context.Context, id string, when time.Time) error
	MarkAllDevicesOffline(ctx context.Context, when time.Time) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID string, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Tenant represents one isolated customer boundary.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// User roles. ServerAdministrator is cross-cutting (stats, admin pushes);
// TenantAdministrator and DeviceSuperUser grant blanket device access within
// the user's own tenant. Everyone else needs a tag intersection.
const (
	RoleServerAdministrator = "server-administrator"
	RoleTenantAdministrator = "tenant-administrator"
	RoleDeviceSuperUser     = "device-superuser"
	RoleUser                = "user"
)

// User represents an operator account.
type User struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ExternalID   string    `json:"external_id,omitempty"` // OIDC subject, empty for builtin auth
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	TagIDs       []string  `json:"tag_ids"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Device represents a managed device. ConnectionID is non-empty exactly when
// Online is true; both are stamped server-side on registration and cleared
// together when the agent disconnects.
type Device struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Hostname     string    `json:"hostname"`
	OS           string    `json:"os"`
	Arch         string    `json:"arch"`
	AgentVersion string    `json:"agent_version"`
	Drives       string    `json:"drives,omitempty"` // JSON-encoded drive list
	TagIDs       []string  `json:"tag_ids"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	PublicIP     string    `json:"public_ip,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Audit action names recorded by the server.
const (
	AuditActionLogin           = "auth.login"
	AuditActionLoginFailed     = "auth.login_failed"
	AuditActionAccessDenied    = "device.access_denied"
	AuditActionAgentConnect    = "agent.connect"
	AuditActionAgentDisconnect = "agent.disconnect"
	AuditActionAgentUninstall  = "agent.uninstall"
	AuditActionAgentUpdate     = "agent.update"
	AuditActionPowerState      = "device.power_state"
)

// encodeStrings JSON-encodes a string slice for storage in a TEXT column.
// nil encodes as "[]" so scans round-trip to an empty slice.
func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, err
	}
	return values, nil
}
