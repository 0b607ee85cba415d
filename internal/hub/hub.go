// Package hub owns the websocket transport: it accepts agent and viewer
// connections, maintains the live connection table, correlates RPC replies
// with their calls, and keeps presence state and group membership in step
// with connection lifecycle.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tetherhq/tether/internal/auth"
	"github.com/tetherhq/tether/internal/directory"
	"github.com/tetherhq/tether/internal/groups"
	"github.com/tetherhq/tether/internal/presence"
	"github.com/tetherhq/tether/internal/relay"
	"github.com/tetherhq/tether/internal/store"
	"github.com/tetherhq/tether/pkg/protocol"
)

// ErrConnectionGone reports that the target connection left the table.
var ErrConnectionGone = errors.New("connection gone")

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// conn is one live websocket connection, agent or viewer.
type conn struct {
	id         string
	kind       string // "agent" or "viewer"
	remoteAddr string

	// Agent connections.
	deviceID string
	tenantID string

	// Viewer connections.
	identity *auth.Identity

	ws *websocket.Conn
	mu sync.Mutex // guards all writes to ws

	// ctx is cancelled when the connection closes, ending any in-flight
	// relay call issued on it.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}

	// calls carries viewer device calls to the per-connection worker, which
	// runs them one at a time in arrival order.
	calls chan protocol.Envelope

	pendingMu sync.Mutex
	pending   map[string]chan protocol.RpcReply // correlation ID -> reply
}

func (c *conn) write(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

// markClosed releases every call still waiting on this connection and
// cancels the calls it has in flight.
func (c *conn) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.cancel != nil {
			c.cancel()
		}
	})
}

// addPending registers a reply channel for a correlation ID.
func (c *conn) addPending(id string) chan protocol.RpcReply {
	ch := make(chan protocol.RpcReply, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *conn) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// deliverReply routes an rpc.reply to the waiting call, if any.
func (c *conn) deliverReply(id string, reply protocol.RpcReply) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- reply
	}
	return ok
}

// Options configures the Hub.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64 // max websocket message size (default 512KB)
}

// Hub manages all websocket connections and implements both the group
// delivery path (groups.Sender) and the correlated call path (relay.Caller).
type Hub struct {
	store     store.Store
	provider  auth.Provider
	agentAuth auth.AgentAuthProvider
	router    *groups.Router
	directory *directory.Directory
	presence  *presence.Counter
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	maxMessageBytes int64

	relayMu sync.RWMutex
	relay   *relay.Relay

	mu    sync.RWMutex
	conns map[string]*conn // connection ID -> conn
}

// New creates a hub. The hub owns its group router, since group delivery goes
// through the hub's connection table. The relay is attached afterwards via
// SetRelay because it calls back into the hub for transport.
func New(s store.Store, provider auth.Provider, agentAuth auth.AgentAuthProvider,
	dir *directory.Directory, counter *presence.Counter,
	logger *slog.Logger, opts Options) *Hub {
	maxMsg := opts.MaxMessageBytes
	if maxMsg <= 0 {
		maxMsg = 512 * 1024
	}
	h := &Hub{
		store:           s,
		provider:        provider,
		agentAuth:       agentAuth,
		directory:       dir,
		presence:        counter,
		logger:          logger.With("component", "hub"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: maxMsg,
		conns:           make(map[string]*conn),
	}
	h.router = groups.NewRouter(h, logger)
	return h
}

// Groups exposes the hub's group router for fan-out wiring.
func (h *Hub) Groups() *groups.Router { return h.router }

// SetRelay attaches the call path used to dispatch viewer operations.
func (h *Hub) SetRelay(r *relay.Relay) {
	h.relayMu.Lock()
	h.relay = r
	h.relayMu.Unlock()
}

func (h *Hub) getRelay() *relay.Relay {
	h.relayMu.RLock()
	defer h.relayMu.RUnlock()
	return h.relay
}

func (h *Hub) addConn(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) removeConn(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if ok {
		c.markClosed()
	}
}

func (h *Hub) getConn(id string) (*conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// SendTo delivers one envelope to a live connection. It satisfies
// groups.Sender.
func (h *Hub) SendTo(connID string, env protocol.Envelope) error {
	c, ok := h.getConn(connID)
	if !ok {
		return fmt.Errorf("send to %s: %w", connID, ErrConnectionGone)
	}
	return c.write(env)
}

// Call performs one correlated request/response exchange over a live agent
// connection. It satisfies relay.Caller. The envelope's ID is the correlation
// key; the agent must echo it on its rpc.reply.
func (h *Hub) Call(ctx context.Context, connID string, env protocol.Envelope) (protocol.RpcReply, error) {
	c, ok := h.getConn(connID)
	if !ok {
		return protocol.RpcReply{}, fmt.Errorf("call %s: %w", connID, ErrConnectionGone)
	}

	ch := c.addPending(env.ID)
	defer c.removePending(env.ID)

	if err := c.write(env); err != nil {
		return protocol.RpcReply{}, fmt.Errorf("call %s: %w", connID, err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.closed:
		return protocol.RpcReply{}, fmt.Errorf("call %s: %w", connID, ErrConnectionGone)
	case <-ctx.Done():
		return protocol.RpcReply{}, ctx.Err()
	}
}

// broadcastStats pushes the current counts to every administrator viewer.
func (h *Hub) broadcastStats() {
	env, err := protocol.NewEnvelope(protocol.TypeServerStats, "", h.presence.Stats())
	if err != nil {
		return
	}
	h.router.Send(groups.Administrators, env)
}

// broadcastDeviceUpdate pushes a device row change to administrator viewers.
func (h *Hub) broadcastDeviceUpdate(device *store.Device) {
	env, err := protocol.NewEnvelope(protocol.TypeDeviceUpdate, "", directory.Update(device))
	if err != nil {
		return
	}
	h.router.Send(groups.Administrators, env)
}

// SyncDeviceGroups recomputes the group memberships for a device's live agent
// connection after its tag assignments changed. Offline devices are a no-op.
func (h *Hub) SyncDeviceGroups(device *store.Device) {
	if !device.Online || device.ConnectionID == "" {
		return
	}
	c, ok := h.getConn(device.ConnectionID)
	if !ok || c.kind != "agent" {
		return
	}
	h.router.LeaveAll(c.id)
	h.joinAgentGroups(c.id, device)
	h.broadcastDeviceUpdate(device)
}

func (h *Hub) joinAgentGroups(connID string, device *store.Device) {
	h.router.Join(connID, groups.DeviceGroup(device.TenantID, device.ID))
	h.router.Join(connID, groups.TenantDevicesGroup(device.TenantID))
	for _, tag := range device.TagIDs {
		h.router.Join(connID, groups.TagGroup(device.TenantID, tag))
	}
}
