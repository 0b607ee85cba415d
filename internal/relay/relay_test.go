package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/auth"
	"github.com/tetherhq/tether/internal/authz"
	"github.com/tetherhq/tether/internal/groups"
	"github.com/tetherhq/tether/internal/store"
	"github.com/tetherhq/tether/pkg/protocol"
)

// fakeCaller scripts transport behavior per connection ID.
type fakeCaller struct {
	mu      sync.Mutex
	replies map[string]protocol.RpcReply
	errs    map[string]error
	block   map[string]bool
	calls   []protocol.Envelope
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		replies: make(map[string]protocol.RpcReply),
		errs:    make(map[string]error),
		block:   make(map[string]bool),
	}
}

func (f *fakeCaller) Call(ctx context.Context, connID string, env protocol.Envelope) (protocol.RpcReply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, env)
	blocked := f.block[connID]
	reply, err := f.replies[connID], f.errs[connID]
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return protocol.RpcReply{}, ctx.Err()
	}
	if err != nil {
		return protocol.RpcReply{}, err
	}
	return reply, nil
}

type sinkSender struct {
	mu   sync.Mutex
	sent map[string][]protocol.Envelope
}

func (s *sinkSender) SendTo(connID string, env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][]protocol.Envelope)
	}
	s.sent[connID] = append(s.sent[connID], env)
	return nil
}

func newTestRelay(t *testing.T, timeout time.Duration) (*Relay, *store.SQLiteStore, *fakeCaller, *groups.Router, *sinkSender) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.Default()
	caller := newFakeCaller()
	sender := &sinkSender{}
	router := groups.NewRouter(sender, logger)
	gate := authz.NewGate(s, logger)
	return New(gate, caller, router, timeout, logger), s, caller, router, sender
}

func seedOnlineDevice(t *testing.T, s *store.SQLiteStore, tags []string) *store.Device {
	t.Helper()
	d := &store.Device{
		ID:           uuid.New().String(),
		TenantID:     "default",
		Name:         "ws",
		TagIDs:       tags,
		ConnectionID: "conn-" + uuid.New().String(),
		Online:       true,
		LastSeen:     time.Now(),
		CreatedAt:    time.Now(),
	}
	if err := s.UpsertDevice(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return d
}

func superuser() *auth.Identity {
	return &auth.Identity{
		UserID:   uuid.New().String(),
		Username: "op",
		TenantID: "default",
		Roles:    []string{store.RoleDeviceSuperUser},
	}
}

func TestCallPassesReplyThroughVerbatim(t *testing.T) {
	r, s, caller, _, _ := newTestRelay(t, time.Second)
	device := seedOnlineDevice(t, s, nil)

	// Agent-embedded failure must reach the caller untouched.
	caller.replies[device.ConnectionID] = protocol.RpcReply{
		OK:     false,
		Error:  "terminal session not found",
		Result: json.RawMessage(`{"terminal_id":"t1"}`),
	}

	reply, err := r.Call(context.Background(), superuser(), device.ID, protocol.TypeTerminalInput,
		protocol.TerminalInput{TerminalID: "t1", Input: "ls"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.OK {
		t.Error("OK: got true, want false")
	}
	if reply.Error != "terminal session not found" {
		t.Errorf("Error: got %q", reply.Error)
	}
	if string(reply.Result) != `{"terminal_id":"t1"}` {
		t.Errorf("Result: got %s", reply.Result)
	}

	if len(caller.calls) != 1 {
		t.Fatalf("calls: got %d, want 1", len(caller.calls))
	}
	if caller.calls[0].Type != protocol.TypeTerminalInput {
		t.Errorf("envelope type: got %q", caller.calls[0].Type)
	}
	if caller.calls[0].ID == "" {
		t.Error("envelope missing correlation ID")
	}
}

func TestCallUnauthorized(t *testing.T) {
	r, s, _, _, _ := newTestRelay(t, time.Second)
	device := seedOnlineDevice(t, s, []string{"web"})

	caller := &auth.Identity{
		UserID:   uuid.New().String(),
		TenantID: "default",
		Roles:    []string{store.RoleUser},
		TagIDs:   []string{"db"},
	}
	_, err := r.Call(context.Background(), caller, device.ID, protocol.TypeTerminalCreate, nil)
	if !errors.Is(err, authz.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCallOfflineDeviceUnreachable(t *testing.T) {
	r, s, _, _, _ := newTestRelay(t, time.Second)
	device := seedOnlineDevice(t, s, nil)
	if err := s.MarkDeviceOffline(context.Background(), device.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	_, err := r.Call(context.Background(), superuser(), device.ID, protocol.TypeDeviceRefresh, nil)
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Fatalf("expected ErrDeviceUnreachable, got %v", err)
	}
}

func TestCallTimeoutMapsToUnreachable(t *testing.T) {
	r, s, caller, _, _ := newTestRelay(t, 30*time.Millisecond)
	device := seedOnlineDevice(t, s, nil)
	caller.block[device.ConnectionID] = true

	_, err := r.Call(context.Background(), superuser(), device.ID, protocol.TypeUISessions, nil)
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Fatalf("expected ErrDeviceUnreachable on timeout, got %v", err)
	}
}

func TestCallerCancellationIsNotUnreachable(t *testing.T) {
	r, s, caller, _, _ := newTestRelay(t, time.Minute)
	device := seedOnlineDevice(t, s, nil)
	caller.block[device.ConnectionID] = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Call(ctx, superuser(), device.ID, protocol.TypeUISessions, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrDeviceUnreachable) {
		t.Fatal("cancellation must not be reported as unreachable")
	}
}

func TestCallTransportFaultUnreachable(t *testing.T) {
	r, s, caller, _, _ := newTestRelay(t, time.Second)
	device := seedOnlineDevice(t, s, nil)
	caller.errs[device.ConnectionID] = errors.New("write: broken pipe")

	_, err := r.Call(context.Background(), superuser(), device.ID, protocol.TypePowerState,
		protocol.PowerStateRequest{Action: "restart"})
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Fatalf("expected ErrDeviceUnreachable, got %v", err)
	}
}

func TestFanOutBlanketTargetsTenantDevices(t *testing.T) {
	r, _, _, router, sender := newTestRelay(t, time.Second)

	router.Join("agent-1", groups.TenantDevicesGroup("default"))
	router.Join("agent-2", groups.TenantDevicesGroup("default"))
	router.Join("other-tenant", groups.TenantDevicesGroup("acme"))

	if err := r.FanOut(superuser(), protocol.TypeWake,
		protocol.WakeRequest{MacAddresses: []string{"aa:bb:cc:dd:ee:ff"}}); err != nil {
		t.Fatalf("FanOut: %v", err)
	}

	if len(sender.sent["agent-1"]) != 1 || len(sender.sent["agent-2"]) != 1 {
		t.Errorf("tenant agents should each receive once: %+v", sender.sent)
	}
	if len(sender.sent["other-tenant"]) != 0 {
		t.Error("fan-out leaked across tenants")
	}
}

func TestFanOutTagScoped(t *testing.T) {
	r, _, _, router, sender := newTestRelay(t, time.Second)

	router.Join("web-agent", groups.TagGroup("default", "web"))
	router.Join("db-agent", groups.TagGroup("default", "db"))

	caller := &auth.Identity{
		UserID:   uuid.New().String(),
		TenantID: "default",
		Roles:    []string{store.RoleUser},
		TagIDs:   []string{"web"},
	}
	if err := r.FanOut(caller, protocol.TypePayloadFanOut,
		protocol.PayloadWrapper{Kind: "notice", Data: json.RawMessage(`"hi"`)}); err != nil {
		t.Fatalf("FanOut: %v", err)
	}

	if len(sender.sent["web-agent"]) != 1 {
		t.Errorf("web-agent: got %d deliveries, want 1", len(sender.sent["web-agent"]))
	}
	if len(sender.sent["db-agent"]) != 0 {
		t.Errorf("db-agent should not receive, got %d", len(sender.sent["db-agent"]))
	}
}
