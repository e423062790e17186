// Package bridge attaches chat WebSocket clients to live sessions. A client
// authenticates with a bearer token bound to the session, then sends turns
// that the bridge relays to the agent service. Replies come back through
// the push endpoint and fan out to every attached client.
package bridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/moorgate-dev/moorgate/internal/agent"
	"github.com/moorgate-dev/moorgate/internal/auth"
	"github.com/moorgate-dev/moorgate/internal/database"
	"github.com/moorgate-dev/moorgate/internal/sessions"
)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 1 * 1024 * 1024
)

type client struct {
	conn *websocket.Conn
}

// Bridge is the WebSocket fan-out layer for chat clients.
type Bridge struct {
	Tokens  *auth.TokenStore
	Store   *sessions.Store
	Relayer agent.Relayer

	// ConnReady reports whether the session's control connection is up.
	// Auth is rejected until it is.
	ConnReady func(sessionID string) bool

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func New(tokens *auth.TokenStore, store *sessions.Store, relayer agent.Relayer, connReady func(string) bool) *Bridge {
	return &Bridge{
		Tokens:    tokens,
		Store:     store,
		Relayer:   relayer,
		ConnReady: connReady,
		clients:   make(map[string]map[*client]struct{}),
	}
}

// ServeChat upgrades the request and runs the client loop until the socket
// closes or the session ends.
func (b *Bridge) ServeChat(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[bridge] accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx := r.Context()

	sess, ok := b.authenticate(ctx, conn, sessionID)
	if !ok {
		return
	}

	c := &client{conn: conn}
	b.register(sessionID, c)
	defer b.unregister(sessionID, c)

	writeFrame(ctx, conn, AuthOKFrame{Type: TypeAuthOK, SessionID: sessionID})
	log.Printf("[bridge] client attached to session %s (account %s)", sessionID, sess.AccountID)

	b.clientLoop(ctx, conn, sessionID)
}

// authenticate reads the first frame, which must be a valid auth for this
// session, and checks the session is live with a ready control connection.
// Two auth forms are accepted: a fernet bearer token bound to the session,
// or the legacy raw session id, which must match the path.
func (b *Bridge) authenticate(ctx context.Context, conn *websocket.Conn, sessionID string) (sessions.Session, bool) {
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	_, data, err := conn.Read(authCtx)
	if err != nil {
		conn.Close(CloseAuthFailed, "auth frame not received")
		return sessions.Session{}, false
	}

	var frame AuthFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != TypeAuth {
		conn.Close(CloseAuthFailed, "expected auth frame")
		return sessions.Session{}, false
	}

	accountID := ""
	switch {
	case frame.Token != "":
		claims, err := b.Tokens.Verify(frame.Token)
		if err != nil || claims.SessionID != sessionID {
			conn.Close(CloseAuthFailed, "invalid token")
			return sessions.Session{}, false
		}
		accountID = claims.AccountID
	case frame.SessionID != "":
		if frame.SessionID != sessionID {
			conn.Close(CloseAuthFailed, "session id mismatch")
			return sessions.Session{}, false
		}
	default:
		conn.Close(CloseAuthFailed, "missing credentials")
		return sessions.Session{}, false
	}

	sess, ok := b.Store.Get(sessionID)
	if !ok {
		conn.Close(CloseUnknownSession, "unknown session")
		return sessions.Session{}, false
	}
	if accountID != "" && sess.AccountID != accountID {
		conn.Close(CloseAuthFailed, "invalid token")
		return sessions.Session{}, false
	}
	if b.ConnReady != nil && !b.ConnReady(sessionID) {
		conn.Close(CloseUnknownSession, "session not ready")
		return sessions.Session{}, false
	}
	return sess, true
}

func (b *Bridge) clientLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			writeFrame(ctx, conn, ErrorFrame{Type: TypeError, Detail: "malformed frame"})
			continue
		}

		switch env.Type {
		case TypeHeartbeat:
			b.Store.Touch(sessionID)
			if err := database.HeartbeatLease(sessionID); err != nil {
				log.Printf("[bridge] heartbeat lease %s: %v", sessionID, err)
			}
			writeFrame(ctx, conn, HeartbeatAckFrame{Type: TypeHeartbeatAck, ServerTime: time.Now().UTC()})

		case TypeMessage:
			var msg MessageFrame
			if err := json.Unmarshal(data, &msg); err != nil || msg.Text == "" {
				writeFrame(ctx, conn, ErrorFrame{Type: TypeError, Detail: "malformed message"})
				continue
			}
			b.Store.Touch(sessionID)
			b.handleTurn(ctx, conn, sessionID, msg.Text)

		default:
			writeFrame(ctx, conn, ErrorFrame{Type: TypeError, Detail: "unknown frame type"})
		}
	}
}

// handleTurn relays one chat turn to the agent service. Relay failures are
// reported on the socket and the session stays up.
func (b *Bridge) handleTurn(ctx context.Context, conn *websocket.Conn, sessionID, text string) {
	writeFrame(ctx, conn, StatusFrame{Type: TypeStatus, State: "thinking"})

	sess, ok := b.Store.Get(sessionID)
	if !ok {
		writeFrame(ctx, conn, ErrorFrame{Type: TypeError, Detail: "session gone"})
		return
	}

	if err := b.Relayer.Relay(ctx, sessionID, text, sess.AccountID); err != nil {
		log.Printf("[bridge] relay for session %s: %v", sessionID, err)
		writeFrame(ctx, conn, ErrorFrame{Type: TypeError, Detail: "agent unavailable"})
		return
	}
	writeFrame(ctx, conn, StatusFrame{Type: TypeStatus, State: "done"})
}

// SendToSession fans an agent-originated message out to every client
// attached to the session. Returns the number of clients reached.
func (b *Bridge) SendToSession(sessionID, text string) int {
	b.mu.RLock()
	conns := make([]*client, 0, len(b.clients[sessionID]))
	for c := range b.clients[sessionID] {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	frame := MessageFrame{Type: TypeMessage, Text: text}
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		writeFrame(ctx, c.conn, frame)
		cancel()
	}
	return len(conns)
}

// CloseSessionClients pushes a session_closed frame to every attached
// client, then closes their sockets with the given code. Idempotent: a
// session with no clients is a no-op.
func (b *Bridge) CloseSessionClients(sessionID string, code websocket.StatusCode, reason string) {
	b.mu.Lock()
	conns := b.clients[sessionID]
	delete(b.clients, sessionID)
	b.mu.Unlock()

	frame := SessionClosedFrame{Type: TypeSessionClosed, Reason: reason}
	for c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		writeFrame(ctx, c.conn, frame)
		cancel()
		c.conn.Close(code, reason)
	}
}

// ClientCount reports attached clients for a session.
func (b *Bridge) ClientCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[sessionID])
}

func (b *Bridge) register(sessionID string, c *client) {
	b.mu.Lock()
	if b.clients[sessionID] == nil {
		b.clients[sessionID] = make(map[*client]struct{})
	}
	b.clients[sessionID][c] = struct{}{}
	b.mu.Unlock()
}

func (b *Bridge) unregister(sessionID string, c *client) {
	b.mu.Lock()
	if set, ok := b.clients[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(b.clients, sessionID)
		}
	}
	b.mu.Unlock()
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("[bridge] write frame: %v", err)
	}
}
