package sshconn

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moorgate-dev/moorgate/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// testServer tracks a test SSH server's state.
type testServer struct {
	addr            string
	hostFingerprint string
	cleanup         func()

	mu       sync.Mutex
	netConns []net.Conn
}

func (ts *testServer) closeAllConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.netConns {
		c.Close()
	}
	ts.netConns = nil
}

// testSSHServer starts an in-process SSH server that accepts public key auth
// for the given key and answers exec requests with exit status 0.
func testSSHServer(t *testing.T, authorizedKey ssh.PublicKey) *testServer {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ts := &testServer{
		addr:            listener.Addr().String(),
		hostFingerprint: ssh.FingerprintSHA256(hostSigner.PublicKey()),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.netConns = append(ts.netConns, netConn)
			ts.mu.Unlock()
			go handleTestConnection(netConn, config)
		}
	}()

	ts.cleanup = func() {
		listener.Close()
		ts.closeAllConns()
		<-done
	}

	return ts
}

func handleTestConnection(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type == "exec" {
					ch.Write([]byte("ping\n"))
					ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					if req.WantReply {
						req.Reply(true, nil)
					}
					return
				}
				if req.WantReply {
					req.Reply(true, nil)
				}
			}
		}()
	}
}

// newTestKeyAndServer creates a client key pair and a test server that
// accepts it.
func newTestKeyAndServer(t *testing.T) ([]byte, *testServer) {
	t.Helper()

	_, privKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	signer, err := sshkeys.ParsePrivateKey(privKeyPEM)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}

	ts := testSSHServer(t, signer.PublicKey())
	t.Cleanup(ts.cleanup)
	return privKeyPEM, ts
}

func parseHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func TestTestFirstUseReturnsFingerprint(t *testing.T) {
	keyPEM, ts := newTestKeyAndServer(t)
	host, port := parseHostPort(t, ts.addr)

	res := Test(context.Background(), host, port, "root", keyPEM, "")
	if res.Result != TestOK {
		t.Fatalf("result = %s (%s), want ok", res.Result, res.Detail)
	}
	if res.Fingerprint != ts.hostFingerprint {
		t.Errorf("fingerprint = %s, want %s", res.Fingerprint, ts.hostFingerprint)
	}
	if !strings.HasPrefix(res.Fingerprint, "SHA256:") {
		t.Errorf("fingerprint not in SHA256 form: %s", res.Fingerprint)
	}
	if res.Latency <= 0 {
		t.Error("latency not measured")
	}
}

func TestTestPinnedMatchSucceeds(t *testing.T) {
	keyPEM, ts := newTestKeyAndServer(t)
	host, port := parseHostPort(t, ts.addr)

	res := Test(context.Background(), host, port, "root", keyPEM, ts.hostFingerprint)
	if res.Result != TestOK {
		t.Fatalf("result = %s (%s), want ok", res.Result, res.Detail)
	}
}

func TestTestHostKeyChanged(t *testing.T) {
	keyPEM, ts := newTestKeyAndServer(t)
	host, port := parseHostPort(t, ts.addr)

	pinned := "SHA256:previous-server-identity"
	res := Test(context.Background(), host, port, "root", keyPEM, pinned)
	if res.Result != TestHostKeyChanged {
		t.Fatalf("result = %s, want host_key_changed", res.Result)
	}
	if res.PreviousFingerprint != pinned {
		t.Errorf("previous fingerprint = %s, want %s", res.PreviousFingerprint, pinned)
	}
	if res.Fingerprint != ts.hostFingerprint {
		t.Errorf("presented fingerprint = %s, want %s", res.Fingerprint, ts.hostFingerprint)
	}
}

func TestTestAuthRejected(t *testing.T) {
	_, ts := newTestKeyAndServer(t)
	host, port := parseHostPort(t, ts.addr)

	// A different key than the one the server authorizes.
	_, otherKey, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}

	res := Test(context.Background(), host, port, "root", otherKey, "")
	if res.Result != TestFailed {
		t.Fatalf("result = %s, want failed", res.Result)
	}
}

func TestTestConnectionRefused(t *testing.T) {
	// Grab a port that nothing is listening on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := parseHostPort(t, l.Addr().String())
	l.Close()

	_, keyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	start := time.Now()
	res := Test(context.Background(), host, port, "root", keyPEM, "")
	if res.Result != TestFailed {
		t.Fatalf("result = %s, want failed", res.Result)
	}
	if time.Since(start) > testTimeout {
		t.Error("refused connection took longer than the test timeout")
	}
}

func TestTestInvalidPrivateKey(t *testing.T) {
	res := Test(context.Background(), "127.0.0.1", 22, "root", []byte("garbage"), "")
	if res.Result != TestFailed {
		t.Fatalf("result = %s, want failed", res.Result)
	}
	if !strings.Contains(res.Detail, "invalid private key") {
		t.Errorf("detail = %q", res.Detail)
	}
}
