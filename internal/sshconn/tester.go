package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/moorgate-dev/moorgate/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// TestOutcome classifies the result of a connection test.
type TestOutcome string

const (
	TestOK             TestOutcome = "ok"
	TestFailed         TestOutcome = "failed"
	TestTimeout        TestOutcome = "timeout"
	TestHostKeyChanged TestOutcome = "host_key_changed"
)

// testTimeout bounds the whole test including the probe command.
const testTimeout = 15 * time.Second

// TestResult is the outcome of a bounded, non-persistent SSH handshake.
type TestResult struct {
	Result TestOutcome `json:"result"`
	// Fingerprint is the host key the server presented (SHA256 form).
	Fingerprint string `json:"fingerprint,omitempty"`
	// PreviousFingerprint is the pinned value, set only on host_key_changed.
	PreviousFingerprint string        `json:"previous_fingerprint,omitempty"`
	Latency             time.Duration `json:"latency_ms"`
	Detail              string        `json:"detail,omitempty"`
}

// Test validates reachability, authentication, and host identity of a target
// without leaving anything behind. With pinnedFingerprint empty the presented
// host key is recorded and returned for the caller to persist (trust on first
// use); it is never pinned here. With a pin set, a differing key refuses the
// connection before any command executes and leaves the pin untouched.
func Test(ctx context.Context, host string, port int, user string, privateKeyPEM []byte, pinnedFingerprint string) TestResult {
	start := time.Now()

	signer, err := sshkeys.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return TestResult{Result: TestFailed, Latency: time.Since(start), Detail: "invalid private key"}
	}

	recorder := &sshkeys.HostKeyRecorder{Pinned: pinnedFingerprint}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: recorder.Callback(),
		Timeout:         testTimeout,
	}

	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := net.Dialer{Timeout: testTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return TestResult{
			Result:  classifyDialError(err),
			Latency: time.Since(start),
			Detail:  fmt.Sprintf("dial %s: %v", addr, err),
		}
	}
	defer netConn.Close()

	// Enforce the deadline on the handshake too; ClientConfig.Timeout only
	// covers connection establishment in some paths.
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		var mismatch *sshkeys.HostKeyMismatchError
		if errors.As(err, &mismatch) {
			return TestResult{
				Result:              TestHostKeyChanged,
				Fingerprint:         mismatch.Presented,
				PreviousFingerprint: mismatch.Pinned,
				Latency:             time.Since(start),
			}
		}
		return TestResult{
			Result:      classifyHandshakeError(err),
			Fingerprint: recorder.Presented(),
			Latency:     time.Since(start),
			Detail:      fmt.Sprintf("ssh handshake: %v", err),
		}
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return TestResult{
			Result:      TestFailed,
			Fingerprint: recorder.Presented(),
			Latency:     time.Since(start),
			Detail:      fmt.Sprintf("open session: %v", err),
		}
	}
	defer session.Close()

	if _, err := session.Output("echo ping"); err != nil {
		return TestResult{
			Result:      TestFailed,
			Fingerprint: recorder.Presented(),
			Latency:     time.Since(start),
			Detail:      fmt.Sprintf("probe command: %v", err),
		}
	}

	return TestResult{
		Result:      TestOK,
		Fingerprint: recorder.Presented(),
		Latency:     time.Since(start),
	}
}

func classifyDialError(err error) TestOutcome {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return TestTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TestTimeout
	}
	return TestFailed
}

func classifyHandshakeError(err error) TestOutcome {
	if strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline") {
		return TestTimeout
	}
	return TestFailed
}
