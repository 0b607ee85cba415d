package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/authz"
	"github.com/tetherhq/tether/internal/groups"
	"github.com/tetherhq/tether/internal/relay"
	"github.com/tetherhq/tether/internal/store"
	"github.com/tetherhq/tether/pkg/protocol"
)

// HandleViewerWS handles websocket connections from operator viewers.
//
// The bearer token comes from the "token" query parameter or the
// Authorization header; browsers cannot set custom headers during the
// websocket handshake, so access logs should exclude query parameters.
// Group membership is computed once from the token's roles and is not
// re-evaluated while the connection lives.
func (h *Hub) HandleViewerWS(w http.ResponseWriter, req *http.Request) {
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := h.provider.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("viewer websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	ws.SetReadLimit(h.maxMessageBytes)

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:         uuid.New().String(),
		kind:       "viewer",
		remoteAddr: req.RemoteAddr,
		identity:   identity,
		ws:         ws,
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
		calls:      make(chan protocol.Envelope, 64),
		pending:    make(map[string]chan protocol.RpcReply),
	}
	h.addConn(c)
	go h.runViewerCalls(c)

	stopKeepalive := startWSKeepalive(ws, &c.mu)
	h.presence.ViewerConnected()

	for _, role := range identity.Roles {
		h.router.Join(c.id, groups.RoleGroup(identity.TenantID, role))
	}
	if identity.HasRole(store.RoleServerAdministrator) {
		h.router.Join(c.id, groups.Administrators)
		// Fresh administrators get one stats snapshot immediately.
		_ = c.write(mustEnvelope(protocol.TypeServerStats, "", h.presence.Stats()))
	}
	h.broadcastStats()
	h.logger.Info("viewer connected",
		"user", identity.Username, "tenant_id", identity.TenantID, "conn_id", c.id)

	defer func() {
		stopKeepalive()
		h.removeConn(c.id)
		h.router.LeaveAll(c.id)
		h.presence.ViewerDisconnected()
		h.broadcastStats()
		h.logger.Info("viewer disconnected", "user", identity.Username, "conn_id", c.id)
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			h.logger.Debug("viewer read error", "conn_id", c.id, "error", err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.logger.Warn("invalid message from viewer", "conn_id", c.id, "error", err)
			continue
		}
		h.handleViewerMessage(c, env)
	}
}

func (h *Hub) handleViewerMessage(c *conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeStatsRequest:
		if !c.identity.HasRole(store.RoleServerAdministrator) {
			h.sendError(c, env.ID, "forbidden", "administrator role required")
			return
		}
		result, _ := json.Marshal(h.presence.Stats())
		_ = c.write(mustEnvelope(protocol.TypeRpcReply, env.ID, protocol.RpcReply{OK: true, Result: result}))

	case protocol.TypeWake, protocol.TypePayloadFanOut:
		r := h.getRelay()
		if r == nil {
			h.sendError(c, env.ID, "unavailable", "relay not ready")
			return
		}
		if err := r.FanOut(c.identity, env.Type, env.Payload); err != nil {
			h.sendError(c, env.ID, "fanout_failed", "broadcast failed")
			return
		}
		_ = c.write(mustEnvelope(protocol.TypeRpcReply, env.ID, protocol.RpcReply{OK: true}))

	case protocol.TypeTerminalCreate, protocol.TypeTerminalClose, protocol.TypeTerminalInput,
		protocol.TypeDesktopCreate, protocol.TypeVncCreate,
		protocol.TypeChatMessage, protocol.TypeChatClose,
		protocol.TypeUISessions, protocol.TypeCompletions,
		protocol.TypeDeviceRefresh, protocol.TypePowerState,
		protocol.TypeAgentUpdate, protocol.TypeAgentUninstall,
		protocol.TypePayloadDirect:
		h.dispatchDeviceCall(c, env)

	default:
		h.logger.Warn("unknown viewer message type", "type", env.Type, "user", c.identity.Username)
	}
}

// dispatchDeviceCall hands one viewer operation to the connection's call
// worker. Calls issued on one connection run strictly in arrival order; the
// queue keeps the read loop responsive while a call is in flight, and a full
// queue applies backpressure to the viewer.
func (h *Hub) dispatchDeviceCall(c *conn, env protocol.Envelope) {
	if env.DeviceID == "" {
		h.sendError(c, env.ID, "bad_request", "device_id required")
		return
	}
	select {
	case c.calls <- env:
	case <-c.closed:
	}
}

// runViewerCalls executes a viewer connection's device calls one at a time,
// in the order they were issued, until the connection closes.
func (h *Hub) runViewerCalls(c *conn) {
	for {
		select {
		case <-c.closed:
			return
		case env := <-c.calls:
			h.runDeviceCall(c, env)
		}
	}
}

func (h *Hub) runDeviceCall(c *conn, env protocol.Envelope) {
	r := h.getRelay()
	if r == nil {
		h.sendError(c, env.ID, "unavailable", "relay not ready")
		return
	}

	payload, err := h.stampViewer(c, env.Type, env.Payload)
	if err != nil {
		h.sendError(c, env.ID, "bad_request", "malformed payload")
		return
	}

	// The connection's context ends the call when the viewer disconnects.
	reply, err := r.Call(c.ctx, c.identity, env.DeviceID, env.Type, payload)
	if err != nil {
		switch {
		case errors.Is(err, authz.ErrUnauthorized):
			h.sendError(c, env.ID, "unauthorized", "access denied")
		case errors.Is(err, relay.ErrDeviceUnreachable):
			h.sendError(c, env.ID, "device_unreachable", "device is not connected")
		default:
			h.sendError(c, env.ID, "call_failed", "call failed")
		}
		return
	}
	h.auditViewerCall(c, env.Type, env.DeviceID)
	respEnv := mustEnvelope(protocol.TypeRpcReply, env.ID, reply)
	respEnv.DeviceID = env.DeviceID
	_ = c.write(respEnv)
}

// stampViewer overwrites the caller-identifying fields of a payload with
// server-resolved values. Agents route their responses by these fields, so
// they must never come from the viewer itself.
func (h *Hub) stampViewer(c *conn, msgType string, payload json.RawMessage) (any, error) {
	switch msgType {
	case protocol.TypeTerminalCreate:
		var p protocol.TerminalSessionRequest
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		p.ViewerConnectionID = c.id
		return p, nil
	case protocol.TypeTerminalInput:
		var p protocol.TerminalInput
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		p.ViewerConnectionID = c.id
		return p, nil
	case protocol.TypeCompletions:
		var p protocol.CompletionsRequest
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		p.ViewerConnectionID = c.id
		return p, nil
	case protocol.TypeDesktopCreate:
		var p protocol.DesktopSessionRequest
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		p.ViewerConnectionID = c.id
		p.ViewerName = c.identity.Username
		return p, nil
	case protocol.TypeVncCreate:
		var p protocol.VncSessionRequest
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		p.ViewerConnectionID = c.id
		p.ViewerName = c.identity.Username
		return p, nil
	case protocol.TypeChatMessage:
		var p protocol.ChatMessage
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		p.ViewerConnectionID = c.id
		p.SenderName = c.identity.Username
		return p, nil
	case protocol.TypePayloadDirect:
		var p protocol.PayloadWrapper
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		p.ViewerConnectionID = c.id
		return p, nil
	default:
		// No caller-identifying fields; pass through untouched.
		if len(payload) == 0 {
			return nil, nil
		}
		var raw json.RawMessage
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
}

// auditViewerCall persists an audit event for the destructive operations.
func (h *Hub) auditViewerCall(c *conn, msgType, deviceID string) {
	var action string
	switch msgType {
	case protocol.TypePowerState:
		action = store.AuditActionPowerState
	case protocol.TypeAgentUninstall:
		action = store.AuditActionAgentUninstall
	case protocol.TypeAgentUpdate:
		action = store.AuditActionAgentUpdate
	default:
		return
	}
	detail := json.RawMessage(fmt.Sprintf(`{"operation":%q}`, msgType))
	h.audit(context.Background(), c.identity.TenantID, action, c.identity.UserID, deviceID, detail)
}

func (h *Hub) sendError(c *conn, id, code, message string) {
	_ = c.write(mustEnvelope(protocol.TypeError, id, protocol.ErrorResponse{
		Code:    code,
		Message: message,
	}))
}
