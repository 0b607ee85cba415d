// Package relay routes authorized viewer calls to live agent connections.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/auth"
	"github.com/tetherhq/tether/internal/authz"
	"github.com/tetherhq/tether/internal/groups"
	"github.com/tetherhq/tether/internal/store"
	"github.com/tetherhq/tether/pkg/protocol"
)

// ErrDeviceUnreachable reports that the target device has no usable
// connection: offline, vanished mid-call, or silent past the call deadline.
var ErrDeviceUnreachable = errors.New("device unreachable")

// DefaultCallTimeout bounds a relayed call when no timeout is configured.
const DefaultCallTimeout = 30 * time.Second

// Caller performs one correlated request/response exchange over a live
// connection. The hub implements this with websocket RPC correlation.
type Caller interface {
	Call(ctx context.Context, connID string, env protocol.Envelope) (protocol.RpcReply, error)
}

// Relay is the authorized call path from viewers to agents.
type Relay struct {
	gate    *authz.Gate
	caller  Caller
	router  *groups.Router
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a relay. A zero timeout uses DefaultCallTimeout.
func New(gate *authz.Gate, caller Caller, router *groups.Router, timeout time.Duration, logger *slog.Logger) *Relay {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Relay{
		gate:    gate,
		caller:  caller,
		router:  router,
		timeout: timeout,
		logger:  logger.With("component", "relay"),
	}
}

// Call authorizes the identity against the device, then performs one
// request/response exchange with the device's agent. The agent's reply is
// returned unmodified, embedded failure included; the relay never interprets
// it. Timeouts and transport faults surface as ErrDeviceUnreachable, while a
// cancellation from the caller's own context is returned as that context's
// error.
func (r *Relay) Call(ctx context.Context, ident *auth.Identity, deviceID, method string, payload any) (protocol.RpcReply, error) {
	device, err := r.gate.Authorize(ctx, ident, deviceID, method)
	if err != nil {
		return protocol.RpcReply{}, err
	}
	return r.CallDevice(ctx, device, method, payload)
}

// CallDevice performs the exchange against an already-authorized device row.
func (r *Relay) CallDevice(ctx context.Context, device *store.Device, method string, payload any) (protocol.RpcReply, error) {
	if !device.Online || device.ConnectionID == "" {
		return protocol.RpcReply{}, fmt.Errorf("device %s: %w", device.ID, ErrDeviceUnreachable)
	}

	env, err := protocol.NewEnvelope(method, uuid.New().String(), payload)
	if err != nil {
		return protocol.RpcReply{}, fmt.Errorf("encode %s payload: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reply, err := r.caller.Call(callCtx, device.ConnectionID, env)
	if err != nil {
		// The caller giving up is not the device's fault.
		if ctx.Err() != nil {
			return protocol.RpcReply{}, ctx.Err()
		}
		r.logger.Warn("relayed call failed",
			"device_id", device.ID, "method", method, "error", err)
		return protocol.RpcReply{}, fmt.Errorf("device %s: %w", device.ID, ErrDeviceUnreachable)
	}
	return reply, nil
}

// FanOut delivers one envelope to the devices the identity can reach, fire
// and forget. Blanket-role callers target every device in their tenant;
// everyone else gets one group send per granted tag. Delivery is at most once
// per group member with no acknowledgment.
func (r *Relay) FanOut(ident *auth.Identity, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, "", payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", msgType, err)
	}

	if ident.HasBlanketDeviceAccess() {
		r.router.Send(groups.TenantDevicesGroup(ident.TenantID), env)
		return nil
	}
	for _, tag := range ident.TagIDs {
		r.router.Send(groups.TagGroup(ident.TenantID, tag), env)
	}
	return nil
}
