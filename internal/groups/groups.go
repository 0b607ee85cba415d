// Package groups implements named delivery groups over live connections.
//
// A group is a set of connection IDs computed from tenant, device, tag and
// role facts. Group membership is maintained by the hub as connections come
// and go; sends are best effort and at most once per member. Authorization
// happens before a send, never here.
package groups

import (
	"log/slog"
	"sync"

	"github.com/tetherhq/tether/pkg/protocol"
)

// Administrators is the global group of server-administrator viewers.
const Administrators = "administrators"

// DeviceGroup names the group holding the agent connection for one device.
func DeviceGroup(tenantID, deviceID string) string {
	return "tenant:" + tenantID + ":device:" + deviceID
}

// TagGroup names the group of agent connections for devices carrying a tag.
func TagGroup(tenantID, tagID string) string {
	return "tenant:" + tenantID + ":tag:" + tagID
}

// RoleGroup names the group of viewer connections holding a role in a tenant.
func RoleGroup(tenantID, role string) string {
	return "tenant:" + tenantID + ":role:" + role
}

// TenantDevicesGroup names the group of every agent connection in a tenant.
func TenantDevicesGroup(tenantID string) string {
	return "tenant:" + tenantID + ":devices"
}

// Sender delivers an envelope to a single live connection. The hub implements
// this over its websocket connection table.
type Sender interface {
	SendTo(connID string, env protocol.Envelope) error
}

// Router tracks group membership and fans envelopes out to members.
type Router struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // group -> set of connection IDs
	byConn  map[string]map[string]struct{} // connection ID -> set of groups

	sender Sender
	logger *slog.Logger
}

// NewRouter creates a group router that delivers through the given sender.
func NewRouter(sender Sender, logger *slog.Logger) *Router {
	return &Router{
		members: make(map[string]map[string]struct{}),
		byConn:  make(map[string]map[string]struct{}),
		sender:  sender,
		logger:  logger.With("component", "groups"),
	}
}

// Join adds a connection to a group. Joining twice is a no-op.
func (r *Router) Join(connID, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[group] == nil {
		r.members[group] = make(map[string]struct{})
	}
	r.members[group][connID] = struct{}{}

	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]struct{})
	}
	r.byConn[connID][group] = struct{}{}
}

// Leave removes a connection from a group. Leaving a group the connection is
// not in is a no-op.
func (r *Router) Leave(connID, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID, group)
}

// LeaveAll removes a connection from every group it joined.
func (r *Router) LeaveAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for group := range r.byConn[connID] {
		r.removeLocked(connID, group)
	}
}

func (r *Router) removeLocked(connID, group string) {
	if set := r.members[group]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.members, group)
		}
	}
	if set := r.byConn[connID]; set != nil {
		delete(set, group)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Members returns a snapshot of the connection IDs in a group.
func (r *Router) Members(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.members[group]))
	for id := range r.members[group] {
		ids = append(ids, id)
	}
	return ids
}

// Send delivers an envelope to every current member of a group. Members whose
// connection vanished mid-send are skipped; delivery is at most once per
// member with no ordering guarantee across members.
func (r *Router) Send(group string, env protocol.Envelope) {
	for _, connID := range r.Members(group) {
		if err := r.sender.SendTo(connID, env); err != nil {
			r.logger.Debug("group send skipped member",
				"group", group, "conn_id", connID, "error", err)
		}
	}
}
