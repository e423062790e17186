// Package sshconn manages the OS-level SSH plumbing for sessions.
//
// It has two halves. The tester (tester.go) performs a bounded, in-process
// handshake with golang.org/x/crypto/ssh to validate reachability,
// authentication, and host identity. The manager (this file) spawns the
// long-lived external OpenSSH client in ControlMaster mode, one per session,
// and rides short-lived client invocations on its control socket so that
// command execution never pays a second handshake or authentication.
//
// Private key material is written to disk only for the duration of master
// startup, with owner-only permissions, and is unconditionally removed on
// both success and failure paths.
package sshconn

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/moorgate-dev/moorgate/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

const (
	// connectTimeout bounds master establishment (passed to ssh -o ConnectTimeout).
	connectTimeout = 10 * time.Second

	// socketWait bounds how long Start polls for the control socket to appear.
	socketWait = 10 * time.Second

	// socketPollEvery is the poll interval while waiting for the socket.
	socketPollEvery = 100 * time.Millisecond

	// keepalive settings for the master: a probe every 15s, three misses
	// before OpenSSH declares the connection dead.
	serverAliveInterval = 15
	serverAliveCountMax = 3
)

// Target identifies the remote endpoint of a control connection.
type Target struct {
	Host string
	Port int
	User string
}

func (t Target) destination() string {
	return t.User + "@" + t.Host
}

// controlConn tracks one live ControlMaster process.
type controlConn struct {
	target     Target
	socketPath string
	knownHosts string
	cmd        *exec.Cmd
	// exited is closed by the waiter goroutine when the master process ends.
	exited chan struct{}
}

// Manager spawns, health-checks, and tears down the multiplexed SSH control
// connection for each session. All lookups are keyed by session id; the
// Manager never holds session objects.
type Manager struct {
	sshBinary string
	socketDir string

	mu    sync.Mutex
	conns map[string]*controlConn

	stateTracker *stateTracker

	// verifyHostKey is the pre-spawn identity check. It is a field so tests
	// can substitute a fake without a live SSH server.
	verifyHostKey func(ctx context.Context, target Target, keyPEM []byte, pinned string) (keyLine string, err error)
}

// NewManager creates a Manager that spawns the given ssh binary and keeps
// control sockets under socketDir.
func NewManager(sshBinary, socketDir string) *Manager {
	m := &Manager{
		sshBinary:    sshBinary,
		socketDir:    socketDir,
		conns:        make(map[string]*controlConn),
		stateTracker: newStateTracker(),
	}
	m.verifyHostKey = m.defaultVerifyHostKey
	return m
}

// SocketPath returns the control socket path used for a session id.
func (m *Manager) SocketPath(sessionID string) string {
	return filepath.Join(m.socketDir, "moorgate-"+sessionID+".sock")
}

func (m *Manager) knownHostsPath(sessionID string) string {
	return filepath.Join(m.socketDir, "moorgate-"+sessionID+".known_hosts")
}

// Start establishes the control connection for a session and returns the
// control socket path. The decrypted private key exists on disk only between
// the temp-file write and the deferred removal; the removal runs on every
// exit path.
//
// The host identity is verified in-process against the pinned fingerprint
// before the master is spawned, and the verified key is written to a
// per-session known_hosts file that the master is required to match. A
// changed host key therefore refuses the connection before any command can
// execute.
func (m *Manager) Start(ctx context.Context, sessionID string, target Target, privateKeyPEM []byte, pinnedFingerprint string) (string, error) {
	m.mu.Lock()
	if _, exists := m.conns[sessionID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("session %s: control connection already exists", sessionID)
	}
	m.mu.Unlock()

	if err := os.MkdirAll(m.socketDir, 0700); err != nil {
		return "", fmt.Errorf("create socket dir: %w", err)
	}

	m.stateTracker.setState(sessionID, StateSpawning, fmt.Sprintf("connecting to %s:%d", target.Host, target.Port))

	keyLine, err := m.verifyHostKey(ctx, target, privateKeyPEM, pinnedFingerprint)
	if err != nil {
		m.stateTracker.setState(sessionID, StateFailed, fmt.Sprintf("host verification: %v", err))
		return "", err
	}

	socketPath := m.SocketPath(sessionID)
	khPath := m.knownHostsPath(sessionID)
	khLine := knownHostsLine(target, keyLine)
	if err := os.WriteFile(khPath, []byte(khLine), 0600); err != nil {
		m.stateTracker.setState(sessionID, StateFailed, "write known_hosts failed")
		return "", fmt.Errorf("write known_hosts: %w", err)
	}

	keyFile, err := os.CreateTemp(m.socketDir, "moorgate-key-*")
	if err != nil {
		os.Remove(khPath)
		m.stateTracker.setState(sessionID, StateFailed, "temp key file failed")
		return "", fmt.Errorf("create temp key file: %w", err)
	}
	keyPath := keyFile.Name()
	// The plaintext key must exist on disk for the shortest possible window:
	// it is removed on every path out of this function.
	defer os.Remove(keyPath)

	if err := keyFile.Chmod(0600); err != nil {
		keyFile.Close()
		os.Remove(khPath)
		m.stateTracker.setState(sessionID, StateFailed, "temp key chmod failed")
		return "", fmt.Errorf("chmod temp key file: %w", err)
	}
	if _, err := keyFile.Write(privateKeyPEM); err != nil {
		keyFile.Close()
		os.Remove(khPath)
		m.stateTracker.setState(sessionID, StateFailed, "temp key write failed")
		return "", fmt.Errorf("write temp key file: %w", err)
	}
	if err := keyFile.Close(); err != nil {
		os.Remove(khPath)
		m.stateTracker.setState(sessionID, StateFailed, "temp key close failed")
		return "", fmt.Errorf("close temp key file: %w", err)
	}

	args := []string{
		"-M", "-N",
		"-S", socketPath,
		"-F", "/dev/null",
		"-i", keyPath,
		"-p", fmt.Sprintf("%d", target.Port),
		"-o", "BatchMode=yes",
		"-o", "IdentitiesOnly=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(connectTimeout.Seconds())),
		"-o", fmt.Sprintf("ServerAliveInterval=%d", serverAliveInterval),
		"-o", fmt.Sprintf("ServerAliveCountMax=%d", serverAliveCountMax),
		"-o", "StrictHostKeyChecking=yes",
		"-o", "UserKnownHostsFile=" + khPath,
		target.destination(),
	}

	cmd := exec.Command(m.sshBinary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		os.Remove(khPath)
		m.stateTracker.setState(sessionID, StateFailed, fmt.Sprintf("spawn failed: %v", err))
		return "", fmt.Errorf("spawn ssh master: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	m.stateTracker.setState(sessionID, StateWaitingForSocket, "master spawned")

	if err := m.waitForSocket(ctx, socketPath, exited); err != nil {
		cmd.Process.Kill()
		<-exited
		os.Remove(socketPath)
		os.Remove(khPath)
		detail := stderr.String()
		if detail != "" {
			err = fmt.Errorf("%w: %s", err, lastLine(detail))
		}
		m.stateTracker.setState(sessionID, StateFailed, err.Error())
		return "", fmt.Errorf("session %s: %w", sessionID, err)
	}

	conn := &controlConn{
		target:     target,
		socketPath: socketPath,
		knownHosts: khPath,
		cmd:        cmd,
		exited:     exited,
	}
	m.mu.Lock()
	m.conns[sessionID] = conn
	m.mu.Unlock()

	m.stateTracker.setState(sessionID, StateReady, "control socket ready")
	log.Printf("[conn-mgr] session %s: control connection ready (%s:%d)", sessionID, target.Host, target.Port)
	return socketPath, nil
}

// waitForSocket polls for the control socket, giving up when the bound
// elapses, the context is canceled, or the master process exits early.
func (m *Manager) waitForSocket(ctx context.Context, socketPath string, exited <-chan struct{}) error {
	deadline := time.After(socketWait)
	ticker := time.NewTicker(socketPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("ssh master exited before control socket appeared")
		case <-deadline:
			return fmt.Errorf("control socket did not appear within %s", socketWait)
		case <-ticker.C:
			if _, err := os.Stat(socketPath); err == nil {
				return nil
			}
		}
	}
}

// Stop tears down the control connection for a session. Calling it twice, or
// for a session that was never started or whose socket is already dead, is
// not an error.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	conn, ok := m.conns[sessionID]
	if ok {
		delete(m.conns, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		// Remove any stray socket left by a crashed master.
		os.Remove(m.SocketPath(sessionID))
		os.Remove(m.knownHostsPath(sessionID))
		return nil
	}

	// Ask the master to exit gracefully; a dead socket makes this fail,
	// which is fine.
	exit := exec.Command(m.sshBinary,
		"-S", conn.socketPath,
		"-O", "exit",
		"-o", "BatchMode=yes",
		conn.target.destination(),
	)
	if err := exit.Run(); err != nil {
		// Master did not answer; make sure the process is gone.
		if conn.cmd != nil && conn.cmd.Process != nil {
			conn.cmd.Process.Kill()
		}
	}
	if conn.exited != nil {
		select {
		case <-conn.exited:
		case <-time.After(5 * time.Second):
			if conn.cmd != nil && conn.cmd.Process != nil {
				conn.cmd.Process.Kill()
			}
		}
	}

	os.Remove(conn.socketPath)
	os.Remove(conn.knownHosts)
	m.stateTracker.setState(sessionID, StateStopped, "control connection stopped")
	log.Printf("[conn-mgr] session %s: control connection stopped", sessionID)
	return nil
}

// Exec runs a command over the established control connection. This is a
// short-lived client invocation of the ssh binary that rides the existing
// control socket: no new handshake, no new authentication.
func (m *Manager) Exec(ctx context.Context, sessionID, command string) (stdout, stderr string, err error) {
	m.mu.Lock()
	conn, ok := m.conns[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("session %s: no control connection", sessionID)
	}

	cmd := exec.CommandContext(ctx, m.sshBinary,
		"-S", conn.socketPath,
		"-o", "BatchMode=yes",
		conn.target.destination(),
		command,
	)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	if err != nil {
		return outBuf.String(), errBuf.String(), fmt.Errorf("exec over control socket: %w", err)
	}
	return outBuf.String(), errBuf.String(), nil
}

// Alive reports whether the control socket for a session still answers.
func (m *Manager) Alive(sessionID string) bool {
	m.mu.Lock()
	conn, ok := m.conns[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	check := exec.Command(m.sshBinary,
		"-S", conn.socketPath,
		"-O", "check",
		"-o", "BatchMode=yes",
		conn.target.destination(),
	)
	return check.Run() == nil
}

// Known returns whether the manager is tracking a control connection for the
// session id.
func (m *Manager) Known(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[sessionID]
	return ok
}

// List returns the session ids with a tracked control connection.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll stops every control connection. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
	log.Printf("[conn-mgr] all control connections closed (%d total)", len(ids))
}

// State returns the current control-connection state for a session.
func (m *Manager) State(sessionID string) ConnState {
	return m.stateTracker.getState(sessionID)
}

// Transitions returns the recent state transition history for a session,
// oldest first. Up to 50 transitions are retained.
func (m *Manager) Transitions(sessionID string) []StateTransition {
	return m.stateTracker.getTransitions(sessionID)
}

// OnStateChange registers a callback invoked on every state change.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.stateTracker.onStateChange(cb)
}

// Forget drops all state tracking for a session. Called after the session is
// fully torn down.
func (m *Manager) Forget(sessionID string) {
	m.stateTracker.remove(sessionID)
}

// defaultVerifyHostKey performs the pre-spawn in-process handshake that
// enforces host key pinning and captures the full presented key.
func (m *Manager) defaultVerifyHostKey(ctx context.Context, target Target, keyPEM []byte, pinned string) (string, error) {
	signer, err := sshkeys.ParsePrivateKey(keyPEM)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}

	recorder := &sshkeys.HostKeyRecorder{Pinned: pinned}
	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: recorder.Callback(),
		Timeout:         connectTimeout,
	}

	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", target.Port))
	dialer := net.Dialer{Timeout: connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		return "", fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	ssh.NewClient(sshConn, chans, reqs).Close()

	keyLine := recorder.PresentedKeyLine()
	if keyLine == "" {
		return "", fmt.Errorf("host %s presented no key", addr)
	}
	return keyLine, nil
}

// knownHostsLine formats a known_hosts entry for the target and an
// authorized_keys-format key line.
func knownHostsLine(target Target, keyLine string) string {
	host := target.Host
	if target.Port != 22 {
		host = fmt.Sprintf("[%s]:%d", target.Host, target.Port)
	}
	return host + " " + keyLine
}

func lastLine(s string) string {
	lines := bytes.Split(bytes.TrimSpace([]byte(s)), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(lines[len(lines)-1])
}
