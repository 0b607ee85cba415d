package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/directory"
	"github.com/tetherhq/tether/internal/store"
	"github.com/tetherhq/tether/pkg/protocol"
)

// HandleAgentWS handles websocket connections from device agents.
//
// The first message must be an agent.hello carrying the device ID and token.
// Time-limited HMAC tokens are tried first, then the static token table. The
// device row is only touched once the agent sends its device.register
// snapshot; until then the connection is live but invisible to viewers.
func (h *Hub) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	ws.SetReadLimit(h.maxMessageBytes)

	_, msg, err := ws.ReadMessage()
	if err != nil {
		h.logger.Warn("agent hello read failed", "error", err)
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Type != protocol.TypeAgentHello {
		h.logger.Warn("agent hello expected", "error", err, "type", env.Type)
		return
	}
	var hello protocol.AgentHello
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		h.logger.Warn("agent hello parse failed", "error", err)
		return
	}

	tenantID, ok := h.authenticateAgent(hello)
	if !ok {
		_ = writeEnvelope(ws, protocol.TypeHelloAck, protocol.HelloAck{
			OK:    false,
			Error: "invalid agent credentials",
		})
		return
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:         uuid.New().String(),
		kind:       "agent",
		remoteAddr: req.RemoteAddr,
		deviceID:   hello.DeviceID,
		tenantID:   tenantID,
		ws:         ws,
		ctx:        connCtx,
		cancel:     cancel,
		closed:     make(chan struct{}),
		pending:    make(map[string]chan protocol.RpcReply),
	}
	h.addConn(c)

	if err := c.write(mustEnvelope(protocol.TypeHelloAck, "", protocol.HelloAck{OK: true})); err != nil {
		h.removeConn(c.id)
		return
	}

	stopKeepalive := startWSKeepalive(ws, &c.mu)
	h.presence.AgentConnected()
	h.broadcastStats()
	h.logger.Info("agent connected",
		"device_id", hello.DeviceID, "tenant_id", tenantID, "conn_id", c.id)

	ctx := context.Background()
	h.audit(ctx, tenantID, store.AuditActionAgentConnect, "", hello.DeviceID, nil)

	defer func() {
		stopKeepalive()
		h.removeConn(c.id)
		h.router.LeaveAll(c.id)

		if device, err := h.directory.MarkOffline(ctx, hello.DeviceID, time.Now().UTC()); err != nil {
			h.logger.Warn("mark offline failed", "device_id", hello.DeviceID, "error", err)
		} else if device != nil {
			h.broadcastDeviceUpdate(device)
		}

		h.presence.AgentDisconnected()
		h.broadcastStats()
		h.audit(ctx, tenantID, store.AuditActionAgentDisconnect, "", hello.DeviceID, nil)
		h.logger.Info("agent disconnected", "device_id", hello.DeviceID, "conn_id", c.id)
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			h.logger.Debug("agent read error", "device_id", hello.DeviceID, "error", err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.logger.Warn("invalid message from agent", "device_id", hello.DeviceID, "error", err)
			continue
		}
		h.handleAgentMessage(c, env)
	}
}

// authenticateAgent validates the hello token: time-limited HMAC first, then
// the static token table. Returns the tenant the device belongs to.
func (h *Hub) authenticateAgent(hello protocol.AgentHello) (string, bool) {
	if deviceID, tenantID, err := h.agentAuth.ValidateTimeLimitedToken(hello.Token); err == nil && deviceID == hello.DeviceID {
		return tenantID, true
	}
	if tenantID, ok := h.agentAuth.ValidateAgentToken(hello.DeviceID, hello.Token); ok {
		return tenantID, true
	}
	return "", false
}

func (h *Hub) handleAgentMessage(c *conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeDeviceRegister:
		var snap protocol.DeviceSnapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			h.logger.Warn("device register parse failed", "device_id", c.deviceID, "error", err)
			return
		}
		device, err := h.directory.RegisterOrUpdate(context.Background(), snap, directory.ConnContext{
			DeviceID:     c.deviceID,
			TenantID:     c.tenantID,
			ConnectionID: c.id,
			RemoteAddr:   c.remoteAddr,
		})
		if err != nil {
			h.logger.Warn("device register failed", "device_id", c.deviceID, "error", err)
			_ = c.write(mustEnvelope(protocol.TypeError, env.ID, protocol.ErrorResponse{
				Code: "register_failed", Message: "registration rejected",
			}))
			return
		}
		h.joinAgentGroups(c.id, device)
		h.broadcastDeviceUpdate(device)

	case protocol.TypeRpcReply:
		var reply protocol.RpcReply
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			h.logger.Warn("rpc reply parse failed", "device_id", c.deviceID, "error", err)
			return
		}
		if !c.deliverReply(env.ID, reply) {
			h.logger.Debug("rpc reply with no waiting call",
				"device_id", c.deviceID, "correlation_id", env.ID)
		}

	case protocol.TypeTerminalOutput, protocol.TypeChatResponse,
		protocol.TypeDownloadProgress, protocol.TypePayloadDirect:
		h.forwardToViewer(c, env)

	default:
		h.logger.Warn("unknown agent message type", "type", env.Type, "device_id", c.deviceID)
	}
}

// forwardToViewer delivers an agent-originated message to the viewer
// connection named inside its payload. The viewer connection ID was stamped
// by the server on the originating request, so the agent cannot pick an
// arbitrary target it was never talking to.
func (h *Hub) forwardToViewer(c *conn, env protocol.Envelope) {
	var target struct {
		ViewerConnectionID string `json:"viewer_connection_id"`
	}
	if err := json.Unmarshal(env.Payload, &target); err != nil || target.ViewerConnectionID == "" {
		h.logger.Warn("agent message without viewer target",
			"type", env.Type, "device_id", c.deviceID)
		return
	}
	if err := h.SendTo(target.ViewerConnectionID, env); err != nil {
		h.logger.Debug("viewer delivery skipped",
			"type", env.Type, "viewer_conn_id", target.ViewerConnectionID, "error", err)
	}
}

func (h *Hub) audit(ctx context.Context, tenantID, action, userID, deviceID string, detail json.RawMessage) {
	err := h.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Action:    action,
		UserID:    userID,
		DeviceID:  deviceID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// mustEnvelope builds an envelope for payload types the server controls.
func mustEnvelope(msgType, id string, payload any) protocol.Envelope {
	env, err := protocol.NewEnvelope(msgType, id, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// writeEnvelope sends one envelope on a connection that is not yet in the
// table, before the per-connection write mutex exists.
func writeEnvelope(ws interface{ WriteJSON(any) error }, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, "", payload)
	if err != nil {
		return err
	}
	return ws.WriteJSON(env)
}
