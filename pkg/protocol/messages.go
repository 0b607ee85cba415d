// Package protocol defines the wire protocol messages exchanged between
// Tether components (agent ↔ server ↔ viewer) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure. Calls that expect a response
// carry a correlation ID; the reply comes back as a "rpc.reply" envelope
// with the same ID.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`        // correlation ID for request/response calls
	DeviceID  string          `json:"device_id,omitempty"` // target device for viewer-originated calls
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with the payload marshaled in place.
func NewEnvelope(msgType, id string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = data
	}
	return Envelope{Type: msgType, ID: id, Timestamp: time.Now().UTC(), Payload: raw}, nil
}

// --- Agent ↔ Server ---

// AgentHello is sent by the agent immediately after connecting.
type AgentHello struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
}

// HelloAck is the server's response to AgentHello.
type HelloAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// DeviceSnapshot is the registration payload an agent submits on connect and
// whenever its facts change. Tenant, connection ID, online flag, last-seen
// and public IP are stamped server-side; any values here for those are
// ignored.
type DeviceSnapshot struct {
	Name         string  `json:"name"`
	Hostname     string  `json:"hostname"`
	OS           string  `json:"os"`
	Arch         string  `json:"arch"`
	AgentVersion string  `json:"agent_version"`
	Drives       []Drive `json:"drives,omitempty"`
}

// Drive describes one fixed disk on a managed device.
type Drive struct {
	Name       string `json:"name"`
	TotalBytes int64  `json:"total_bytes"`
	FreeBytes  int64  `json:"free_bytes"`
}

// RpcReply is the response half of a correlated call. Result holds the
// method-specific payload; Error carries the remote party's own failure,
// which is passed through to the original caller verbatim.
type RpcReply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// --- Session requests (viewer → server → agent) ---

// TerminalSessionRequest asks the agent to open a terminal session.
type TerminalSessionRequest struct {
	TerminalID         string `json:"terminal_id"`
	ViewerConnectionID string `json:"viewer_connection_id,omitempty"` // stamped by the server
}

// TerminalInput carries one keystroke batch to an open terminal session.
type TerminalInput struct {
	TerminalID         string `json:"terminal_id"`
	Input              string `json:"input"`
	ViewerConnectionID string `json:"viewer_connection_id,omitempty"`
}

// TerminalOutput carries terminal output back to the originating viewer.
type TerminalOutput struct {
	TerminalID         string    `json:"terminal_id"`
	Output             string    `json:"output"`
	Kind               string    `json:"kind"` // "stdout" or "stderr"
	Timestamp          time.Time `json:"ts"`
	ViewerConnectionID string    `json:"viewer_connection_id"`
}

// TerminalClose closes a terminal session on the agent.
type TerminalClose struct {
	TerminalID string `json:"terminal_id"`
}

// DesktopSessionRequest asks the agent to start a remote-control session.
type DesktopSessionRequest struct {
	SessionID          string `json:"session_id"`
	TargetUISession    int    `json:"target_ui_session"`
	NotifyUser         bool   `json:"notify_user"`
	ViewerName         string `json:"viewer_name,omitempty"`          // stamped by the server
	ViewerConnectionID string `json:"viewer_connection_id,omitempty"` // stamped by the server
}

// VncSessionRequest asks the agent to start a VNC relay session.
type VncSessionRequest struct {
	SessionID          string `json:"session_id"`
	TargetUISession    int    `json:"target_ui_session"`
	ViewerName         string `json:"viewer_name,omitempty"`
	ViewerConnectionID string `json:"viewer_connection_id,omitempty"`
}

// ChatMessage carries one operator chat message to a device.
type ChatMessage struct {
	SessionID          string `json:"session_id"`
	Message            string `json:"message"`
	SenderName         string `json:"sender_name,omitempty"` // stamped by the server
	TargetUISession    int    `json:"target_ui_session"`
	TargetProcessID    int    `json:"target_process_id,omitempty"`
	ViewerConnectionID string `json:"viewer_connection_id,omitempty"`
}

// ChatResponse carries a device-side chat reply back to the viewer.
type ChatResponse struct {
	SessionID          string    `json:"session_id"`
	Message            string    `json:"message"`
	SenderName         string    `json:"sender_name"`
	Timestamp          time.Time `json:"ts"`
	ViewerConnectionID string    `json:"viewer_connection_id"`
}

// ChatClose ends a chat session with a specific device-side process.
type ChatClose struct {
	SessionID       string `json:"session_id"`
	TargetProcessID int    `json:"target_process_id"`
}

// CompletionsRequest asks the agent for shell command completions.
type CompletionsRequest struct {
	TerminalID         string `json:"terminal_id"`
	Input              string `json:"input"`
	CursorPosition     int    `json:"cursor_position"`
	ViewerConnectionID string `json:"viewer_connection_id,omitempty"`
}

// CompletionsResponse is the agent's completion result.
type CompletionsResponse struct {
	ReplacementIndex  int      `json:"replacement_index"`
	ReplacementLength int      `json:"replacement_length"`
	Matches           []string `json:"matches"`
}

// UISession describes one active desktop/login session on a device.
type UISession struct {
	SessionID int    `json:"session_id"`
	Name      string `json:"name"`
	Username  string `json:"username"`
	Kind      string `json:"kind"` // "console" or "rdp"
}

// PowerStateRequest changes the power state of a device.
type PowerStateRequest struct {
	Action string `json:"action"` // "restart" or "shutdown"
}

// WakeRequest asks listening agents to send wake-on-LAN packets.
type WakeRequest struct {
	MacAddresses []string `json:"mac_addresses"`
}

// UninstallRequest removes the agent from a device.
type UninstallRequest struct {
	Reason string `json:"reason"`
}

// --- File relay ---

// FileDownloadRequest tells the agent to pull a viewer-uploaded file from
// the server's stream endpoint.
type FileDownloadRequest struct {
	StreamID        string `json:"stream_id"`
	TargetDirectory string `json:"target_directory"`
	FileName        string `json:"file_name"`
	Size            int64  `json:"size"`
	Overwrite       bool   `json:"overwrite"`
}

// FileUploadRequest tells the agent to push a file to the server's stream
// endpoint so a viewer can download it.
type FileUploadRequest struct {
	StreamID string `json:"stream_id"`
	FilePath string `json:"file_path"`
}

// FileUploadResponse is the agent's answer to a FileUploadRequest, sent
// before the bytes start flowing.
type FileUploadResponse struct {
	FileSize        int64  `json:"file_size"`
	FileDisplayName string `json:"file_display_name"`
}

// DownloadProgress reports agent-side download progress to the viewer.
type DownloadProgress struct {
	StreamID           string  `json:"stream_id"`
	Progress           float64 `json:"progress"` // 0.0 .. 1.0
	ViewerConnectionID string  `json:"viewer_connection_id"`
}

// --- Server → viewer pushes ---

// DeviceUpdate is pushed to administrators whenever a device's presence or
// facts change.
type DeviceUpdate struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Hostname     string    `json:"hostname"`
	OS           string    `json:"os"`
	Arch         string    `json:"arch"`
	AgentVersion string    `json:"agent_version"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	PublicIP     string    `json:"public_ip,omitempty"`
	TagIDs       []string  `json:"tag_ids,omitempty"`
}

// ServerStats is pushed to administrators when connection counts change.
type ServerStats struct {
	AgentCount  int64     `json:"agent_count"`
	ViewerCount int64     `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// PayloadWrapper carries an opaque, caller-defined payload between parties.
type PayloadWrapper struct {
	Kind               string          `json:"kind"`
	Data               json.RawMessage `json:"data"`
	ViewerConnectionID string          `json:"viewer_connection_id,omitempty"`
}

// ErrorResponse carries an error from the server to a client.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Message type constants ---

const (
	// Agent ↔ server control.
	TypeAgentHello     = "agent.hello"
	TypeHelloAck       = "hello.ack"
	TypeDeviceRegister = "device.register"
	TypeRpcReply       = "rpc.reply"

	// Server → agent calls, relayed from viewers.
	TypeTerminalCreate = "terminal.create"
	TypeTerminalClose  = "terminal.close"
	TypeTerminalInput  = "terminal.input"
	TypeDesktopCreate  = "desktop.create"
	TypeVncCreate      = "vnc.create"
	TypeChatMessage    = "chat.message"
	TypeChatClose      = "chat.close"
	TypeUISessions     = "sessions.list"
	TypeCompletions    = "shell.completions"
	TypeDeviceRefresh  = "device.refresh"
	TypePowerState     = "power.state"
	TypeAgentUpdate    = "agent.update"
	TypeAgentUninstall = "agent.uninstall"
	TypeFileDownload   = "file.download"
	TypeFileUpload     = "file.upload"
	TypeWake           = "device.wake"
	TypePayloadDirect  = "payload.send"
	TypePayloadFanOut  = "payload.broadcast"

	// Agent → server one-way, forwarded to a viewer connection.
	TypeTerminalOutput   = "terminal.output"
	TypeChatResponse     = "chat.response"
	TypeDownloadProgress = "download.progress"

	// Server → viewer pushes.
	TypeDeviceUpdate = "device.update"
	TypeServerStats  = "server.stats"
	TypeError        = "error"

	// Viewer → server admin calls.
	TypeStatsRequest = "stats.get"
)
