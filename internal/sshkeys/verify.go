package sshkeys

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// HostKeyMismatchError is returned when a remote host presents a key whose
// fingerprint differs from the pinned value. This may indicate a reinstalled
// server or a MITM attack; the connection is refused and the caller must
// explicitly re-approve the new fingerprint.
type HostKeyMismatchError struct {
	Pinned    string
	Presented string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key fingerprint mismatch: pinned %s, presented %s", e.Pinned, e.Presented)
}

// HostKeyRecorder is an ssh.HostKeyCallback that captures the presented host
// key fingerprint and enforces pinning. With no pinned fingerprint every key
// is accepted and recorded (trust on first use). With a pinned fingerprint a
// differing key fails the handshake before any command can execute.
type HostKeyRecorder struct {
	Pinned string

	mu        sync.Mutex
	presented string
	keyLine   string
}

// Callback returns the function to plug into ssh.ClientConfig.
func (r *HostKeyRecorder) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		r.mu.Lock()
		r.presented = fp
		r.keyLine = string(ssh.MarshalAuthorizedKey(key))
		r.mu.Unlock()
		if r.Pinned != "" && r.Pinned != fp {
			return &HostKeyMismatchError{Pinned: r.Pinned, Presented: fp}
		}
		return nil
	}
}

// Presented returns the fingerprint the server offered during the last
// handshake attempt, or "" if the callback never ran.
func (r *HostKeyRecorder) Presented() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presented
}

// PresentedKeyLine returns the full presented host key in authorized_keys
// format ("<type> <base64>\n"), suitable for building a known_hosts entry.
func (r *HostKeyRecorder) PresentedKeyLine() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keyLine
}
