// Package core orchestrates the session lifecycle: it is the only place
// that starts sessions and the single convergence point for ending them.
// Every teardown trigger (user close, idle sweep, credit exhaustion, orphan
// cleanup, connection loss) funnels into CloseSession, which is idempotent
// under concurrency.
package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/moorgate-dev/moorgate/internal/auth"
	"github.com/moorgate-dev/moorgate/internal/bridge"
	"github.com/moorgate-dev/moorgate/internal/config"
	"github.com/moorgate-dev/moorgate/internal/database"
	"github.com/moorgate-dev/moorgate/internal/keyvault"
	"github.com/moorgate-dev/moorgate/internal/sessions"
	"github.com/moorgate-dev/moorgate/internal/sshconn"
)

// Error codes surfaced to API clients.
const (
	CodeConnectionNotTested = "connection_not_tested"
	CodeKeypairRevoked      = "keypair_revoked"
	CodeSessionLimit        = "session_limit_reached"
	CodeSSHConnectFailed    = "ssh_connect_failed"
	CodeNotFound            = "not_found"
	CodeInternal            = "internal"
)

// Error is a start/close failure with a stable machine-readable code.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string { return e.Code + ": " + e.Detail }

func coreErr(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Canceller drops any in-flight agent work for a session. Satisfied by the
// agent HTTP client.
type Canceller interface {
	CancelSession(ctx context.Context, sessionID string) error
}

// Core wires the session store, control-connection manager, token store,
// bridge and agent collaborator together.
type Core struct {
	Store   *sessions.Store
	Manager *sshconn.Manager
	Tokens  *auth.TokenStore
	Bridge  *bridge.Bridge
	Agent   Canceller
}

func New(store *sessions.Store, manager *sshconn.Manager, tokens *auth.TokenStore, br *bridge.Bridge, agent Canceller) *Core {
	c := &Core{Store: store, Manager: manager, Tokens: tokens, Bridge: br, Agent: agent}
	store.SetTeardown(c.teardown)
	return c
}

// StartResult is what a successful start hands back to the API layer.
type StartResult struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	Token        string `json:"token"`
	ChatEndpoint string `json:"chat_endpoint"`
}

// StartSession establishes a control connection for the account's
// connection and registers the live session. Preconditions are checked in
// order: the connection must have a passing test on record, its keypair
// must not be revoked, and the account must be under the concurrent-session
// cap.
func (c *Core) StartSession(ctx context.Context, accountID string, connectionID uint) (*StartResult, error) {
	conn, err := database.GetConnection(connectionID, accountID)
	if err != nil {
		return nil, coreErr(CodeNotFound, "connection %d not found", connectionID)
	}
	if conn.LastTestResult != "ok" {
		return nil, coreErr(CodeConnectionNotTested, "connection %d has no passing test on record", connectionID)
	}

	key, err := database.GetAccountKey(conn.KeyID, accountID)
	if err != nil {
		return nil, coreErr(CodeNotFound, "key %d not found", conn.KeyID)
	}
	if key.Status == database.KeyStatusRevoked {
		return nil, coreErr(CodeKeypairRevoked, "key %d is revoked", key.ID)
	}

	if err := c.checkSessionCap(accountID); err != nil {
		return nil, err
	}

	vaultKey, err := keyvault.DeriveKey(config.Cfg.MasterSecret, accountID)
	if err != nil {
		return nil, coreErr(CodeInternal, "derive vault key: %v", err)
	}
	privateKeyPEM, err := keyvault.Decrypt(key.PrivateKey, vaultKey)
	if err != nil {
		return nil, coreErr(CodeInternal, "decrypt private key: %v", err)
	}

	sessionID := uuid.NewString()
	lease := &database.SessionLease{
		SessionID:    sessionID,
		AccountID:    accountID,
		ConnectionID: conn.ID,
		Status:       database.LeasePending,
	}
	if err := database.CreateLease(lease); err != nil {
		return nil, coreErr(CodeInternal, "create lease: %v", err)
	}

	target := sshconn.Target{Host: conn.Host, Port: conn.Port, User: conn.User}
	socketPath, err := c.Manager.Start(ctx, sessionID, target, privateKeyPEM, conn.HostKeyFingerprint)
	if err != nil {
		if closeErr := database.CloseLease(sessionID, database.LeaseError, CodeSSHConnectFailed); closeErr != nil {
			log.Printf("[core] close failed lease %s: %v", sessionID, closeErr)
		}
		// The session id is never reused; drop its state history.
		c.Manager.Forget(sessionID)
		return nil, coreErr(CodeSSHConnectFailed, "connect to %s: %v", conn.Host, err)
	}

	if err := database.ActivateLease(sessionID); err != nil {
		log.Printf("[core] activate lease %s: %v", sessionID, err)
	}
	now := time.Now()
	c.Store.Create(&sessions.Session{
		ID:                sessionID,
		AccountID:         accountID,
		ConnectionID:      conn.ID,
		Host:              conn.Host,
		Port:              conn.Port,
		User:              conn.User,
		ControlSocketPath: socketPath,
		ConnectedAt:       now,
		LastActivity:      now,
	})

	token, err := c.Tokens.Mint(accountID, sessionID)
	if err != nil {
		c.CloseSession(sessionID, "token_mint_failed")
		return nil, coreErr(CodeInternal, "mint session token: %v", err)
	}

	log.Printf("[core] session %s started for account %s (connection %d)", sessionID, accountID, conn.ID)
	return &StartResult{
		SessionID:    sessionID,
		Status:       database.LeaseActive,
		Token:        token,
		ChatEndpoint: "/api/v1/sessions/" + sessionID + "/chat",
	}, nil
}

func (c *Core) checkSessionCap(accountID string) error {
	max := config.Cfg.MaxSessionsPerAccount
	if max <= 0 {
		return nil
	}
	if live := c.Store.CountForAccount(accountID); live >= max {
		return coreErr(CodeSessionLimit, "account has %d live sessions (limit %d)", live, max)
	}
	// Pending leases count too: a start mid-flight holds a slot.
	count, err := database.CountActiveLeases(accountID)
	if err != nil {
		return coreErr(CodeInternal, "count leases: %v", err)
	}
	if count >= int64(max) {
		return coreErr(CodeSessionLimit, "account has %d open leases (limit %d)", count, max)
	}
	return nil
}

// CloseSession ends the session for the given reason. Safe to call from any
// goroutine and any number of times; exactly one caller runs the teardown.
// Returns true if this call performed the teardown.
func (c *Core) CloseSession(sessionID, reason string) bool {
	removed := c.Store.Remove(sessionID, reason)
	if !removed {
		// Session already gone. The lease may still be open if the
		// process died between removal and close; converge it.
		if err := database.CloseLease(sessionID, database.LeaseClosed, reason); err != nil {
			log.Printf("[core] converge lease %s: %v", sessionID, err)
		}
	}
	return removed
}

// Exec runs a command over the session's multiplexed connection and bumps
// its activity clock.
func (c *Core) Exec(ctx context.Context, sessionID, command string) (string, string, error) {
	if _, ok := c.Store.Get(sessionID); !ok {
		return "", "", coreErr(CodeNotFound, "session %s not found", sessionID)
	}
	stdout, stderr, err := c.Manager.Exec(ctx, sessionID, command)
	if err == nil {
		c.Store.Touch(sessionID)
	}
	return stdout, stderr, err
}

// teardown is the store's removal callback: the one place session side
// effects are cleaned up. Runs exactly once per session.
func (c *Core) teardown(sessionID, reason string) {
	log.Printf("[core] tearing down session %s (%s)", sessionID, reason)

	if c.Bridge != nil {
		code := bridge.CloseSessionClosed
		if reason == "exhausted" {
			code = bridge.CloseCreditsExhausted
		}
		c.Bridge.CloseSessionClients(sessionID, code, reason)
	}

	if err := c.Manager.Stop(sessionID); err != nil {
		log.Printf("[core] stop control connection %s: %v", sessionID, err)
	}
	c.Manager.Forget(sessionID)

	if c.Agent != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.Agent.CancelSession(ctx, sessionID); err != nil {
			log.Printf("[core] cancel agent work for %s: %v", sessionID, err)
		}
		cancel()
	}

	status := database.LeaseClosed
	if reason == "connection_lost" {
		status = database.LeaseError
	}
	if err := database.CloseLease(sessionID, status, reason); err != nil {
		log.Printf("[core] close lease %s: %v", sessionID, err)
	}

	if c.Tokens != nil {
		c.Tokens.RevokeForSession(sessionID)
	}
}
