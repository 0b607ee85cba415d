package auth

import (
	"context"
	"time"

	"github.com/tetherhq/tether/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string // Internal user ID (builtin) or external provider subject
	Username string
	TenantID string
	Roles    []string
	TagIDs   []string
}

// HasRole reports whether the identity carries the given role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasBlanketDeviceAccess reports whether the identity may reach every device
// in its tenant without a tag match.
func (id *Identity) HasBlanketDeviceAccess() bool {
	return id.HasRole(store.RoleTenantAdministrator) || id.HasRole(store.RoleDeviceSuperUser)
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, tenantID, username, password string) (string, error)
	Register(ctx context.Context, tenantID, username, password string, roles []string) (*store.User, error)
}

// AgentAuthProvider handles agent token validation and generation.
type AgentAuthProvider interface {
	ValidateAgentToken(deviceID, token string) (tenantID string, ok bool)
	ValidateTimeLimitedToken(token string) (deviceID, tenantID string, err error)
	GenerateAgentToken(deviceID, tenantID string) string
	AgentTokenLifetime() time.Duration
}
