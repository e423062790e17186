package bridge

import (
	"time"

	"github.com/coder/websocket"
)

// Frame types for the chat WebSocket protocol.
const (
	// Client → bridge
	TypeAuth      = "auth"
	TypeHeartbeat = "heartbeat"
	TypeMessage   = "message"

	// Bridge → client
	TypeAuthOK        = "auth_ok"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeStatus        = "status"
	TypeError         = "error"
	TypeSessionClosed = "session_closed"
)

// Close codes used by the bridge.
const (
	CloseAuthFailed       websocket.StatusCode = 4401
	CloseCreditsExhausted websocket.StatusCode = 4402
	CloseUnknownSession   websocket.StatusCode = 4404
	CloseSessionClosed    websocket.StatusCode = 4409
)

// Envelope wraps every frame with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// AuthFrame is the first frame a client must send after connecting. Token
// is the fernet bearer token; SessionID is the legacy raw-id form, accepted
// when no token is present.
type AuthFrame struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// AuthOKFrame acknowledges a successful auth.
type AuthOKFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// HeartbeatFrame keeps the session from idling out.
type HeartbeatFrame struct {
	Type string `json:"type"`
}

// HeartbeatAckFrame echoes a heartbeat with the server's clock.
type HeartbeatAckFrame struct {
	Type       string    `json:"type"`
	ServerTime time.Time `json:"server_time"`
}

// MessageFrame carries a chat turn in either direction.
type MessageFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// StatusFrame reports turn progress ("thinking", "done").
type StatusFrame struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// ErrorFrame reports a component-local failure. The session stays up.
type ErrorFrame struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// SessionClosedFrame is pushed before the bridge closes the socket.
type SessionClosedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}
