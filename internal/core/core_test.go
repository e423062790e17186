package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/moorgate-dev/moorgate/internal/auth"
	"github.com/moorgate-dev/moorgate/internal/config"
	"github.com/moorgate-dev/moorgate/internal/database"
	"github.com/moorgate-dev/moorgate/internal/keyvault"
	"github.com/moorgate-dev/moorgate/internal/sessions"
	"github.com/moorgate-dev/moorgate/internal/sshconn"
	"github.com/moorgate-dev/moorgate/internal/sshkeys"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	old := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = old })

	oldSecret := config.Cfg.MasterSecret
	oldMax := config.Cfg.MaxSessionsPerAccount
	config.Cfg.MasterSecret = "test-master-secret"
	config.Cfg.MaxSessionsPerAccount = 3
	t.Cleanup(func() {
		config.Cfg.MasterSecret = oldSecret
		config.Cfg.MaxSessionsPerAccount = oldMax
	})
}

type fakeCanceller struct {
	mu       sync.Mutex
	canceled []string
}

func (f *fakeCanceller) CancelSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, sessionID)
	return nil
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	setupTestDB(t)
	store := sessions.NewStore(time.Hour, nil)
	manager := sshconn.NewManager("ssh", t.TempDir())
	tokens := auth.NewTokenStore()
	return New(store, manager, tokens, nil, &fakeCanceller{})
}

// seedConnection creates an account, an encrypted key, and a connection,
// returning the connection id.
func seedConnection(t *testing.T, accountID, testResult, keyStatus string) uint {
	t.Helper()
	if err := database.CreateAccount(&database.Account{ID: accountID}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	publicKey, privateKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	vaultKey, err := keyvault.DeriveKey(config.Cfg.MasterSecret, accountID)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	blob, err := keyvault.Encrypt(privateKeyPEM, vaultKey)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	key := &database.AccountKey{
		AccountID:  accountID,
		Name:       "default",
		PublicKey:  string(publicKey),
		PrivateKey: blob,
		Status:     keyStatus,
	}
	if err := database.DB.Create(key).Error; err != nil {
		t.Fatalf("create key: %v", err)
	}

	conn := &database.Connection{
		AccountID:      accountID,
		Name:           "prod",
		Host:           "127.0.0.1",
		Port:           1, // nothing listens here
		User:           "deploy",
		KeyID:          key.ID,
		LastTestResult: testResult,
	}
	if err := database.DB.Create(conn).Error; err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn.ID
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *core.Error with code %s", err, code)
	}
	if ce.Code != code {
		t.Fatalf("code = %s, want %s", ce.Code, code)
	}
}

func TestStartRejectsUntestedConnection(t *testing.T) {
	c := newTestCore(t)
	connID := seedConnection(t, "a1", "", database.KeyStatusActive)

	_, err := c.StartSession(context.Background(), "a1", connID)
	wantCode(t, err, CodeConnectionNotTested)
}

func TestStartRejectsFailedTestResult(t *testing.T) {
	c := newTestCore(t)
	connID := seedConnection(t, "a1", "failed", database.KeyStatusActive)

	_, err := c.StartSession(context.Background(), "a1", connID)
	wantCode(t, err, CodeConnectionNotTested)
}

func TestStartRejectsRevokedKey(t *testing.T) {
	c := newTestCore(t)
	connID := seedConnection(t, "a1", "ok", database.KeyStatusRevoked)

	_, err := c.StartSession(context.Background(), "a1", connID)
	wantCode(t, err, CodeKeypairRevoked)
}

func TestStartRejectsOtherAccountsConnection(t *testing.T) {
	c := newTestCore(t)
	connID := seedConnection(t, "a1", "ok", database.KeyStatusActive)
	if err := database.CreateAccount(&database.Account{ID: "a2"}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	_, err := c.StartSession(context.Background(), "a2", connID)
	wantCode(t, err, CodeNotFound)
}

func TestStartEnforcesSessionCap(t *testing.T) {
	c := newTestCore(t)
	connID := seedConnection(t, "a1", "ok", database.KeyStatusActive)

	for i, id := range []string{"s1", "s2", "s3"} {
		c.Store.Create(&sessions.Session{ID: id, AccountID: "a1"})
		if err := database.CreateLease(&database.SessionLease{
			SessionID: id, AccountID: "a1", ConnectionID: connID,
			Status: database.LeaseActive,
		}); err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
	}

	_, err := c.StartSession(context.Background(), "a1", connID)
	wantCode(t, err, CodeSessionLimit)
}

func TestStartCountsPendingLeasesAgainstCap(t *testing.T) {
	c := newTestCore(t)
	connID := seedConnection(t, "a1", "ok", database.KeyStatusActive)

	// Three starts mid-flight: leases exist, sessions not yet registered.
	for _, id := range []string{"s1", "s2", "s3"} {
		if err := database.CreateLease(&database.SessionLease{
			SessionID: id, AccountID: "a1", ConnectionID: connID,
			Status: database.LeasePending,
		}); err != nil {
			t.Fatalf("lease: %v", err)
		}
	}

	_, err := c.StartSession(context.Background(), "a1", connID)
	wantCode(t, err, CodeSessionLimit)
}

func TestStartConnectFailureSetsLeaseError(t *testing.T) {
	c := newTestCore(t)
	connID := seedConnection(t, "a1", "ok", database.KeyStatusActive)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.StartSession(ctx, "a1", connID)
	wantCode(t, err, CodeSSHConnectFailed)

	var leases []database.SessionLease
	if err := database.DB.Find(&leases).Error; err != nil {
		t.Fatalf("list leases: %v", err)
	}
	if len(leases) != 1 {
		t.Fatalf("leases = %d, want 1", len(leases))
	}
	if leases[0].Status != database.LeaseError {
		t.Errorf("lease status = %s, want error", leases[0].Status)
	}
	if c.Store.CountForAccount("a1") != 0 {
		t.Error("failed start left a live session")
	}
	// The attempt's state history is dropped with it.
	if got := c.Manager.Transitions(leases[0].SessionID); len(got) != 0 {
		t.Errorf("failed start left %d state transitions", len(got))
	}
}

func TestCloseSessionExactlyOnce(t *testing.T) {
	c := newTestCore(t)
	if err := database.CreateLease(&database.SessionLease{
		SessionID: "s1", AccountID: "a1", ConnectionID: 1,
		Status: database.LeaseActive,
	}); err != nil {
		t.Fatalf("create lease: %v", err)
	}
	c.Store.Create(&sessions.Session{ID: "s1", AccountID: "a1"})

	if !c.CloseSession("s1", "user") {
		t.Fatal("first close did not perform teardown")
	}
	if c.CloseSession("s1", "user") {
		t.Fatal("second close performed teardown again")
	}

	lease, err := database.GetLease("s1")
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if lease.Status != database.LeaseClosed || lease.CloseReason != "user" {
		t.Errorf("lease = %s/%s, want closed/user", lease.Status, lease.CloseReason)
	}
}

// Teardown must drop the session's connection-state tracking, or churn
// accumulates an entry per session ever started.
func TestCloseSessionForgetsConnectionState(t *testing.T) {
	c := newTestCore(t)

	_, privateKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	target := sshconn.Target{Host: "127.0.0.1", Port: 1, User: "deploy"}
	if _, err := c.Manager.Start(ctx, "s1", target, privateKeyPEM, ""); err == nil {
		t.Fatal("expected start failure against closed port")
	}
	if len(c.Manager.Transitions("s1")) == 0 {
		t.Fatal("no state recorded before teardown")
	}

	c.Store.Create(&sessions.Session{ID: "s1", AccountID: "a1"})
	c.CloseSession("s1", "user")

	if got := c.Manager.Transitions("s1"); len(got) != 0 {
		t.Errorf("teardown left %d state transitions", len(got))
	}
}

func TestCloseSessionCancelsAgentWork(t *testing.T) {
	c := newTestCore(t)
	c.Store.Create(&sessions.Session{ID: "s1", AccountID: "a1"})

	c.CloseSession("s1", "user")

	rec := c.Agent.(*fakeCanceller)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.canceled) != 1 || rec.canceled[0] != "s1" {
		t.Errorf("canceled = %v, want [s1]", rec.canceled)
	}
}

func TestCloseSessionRevokesTokens(t *testing.T) {
	c := newTestCore(t)
	c.Store.Create(&sessions.Session{ID: "s1", AccountID: "a1"})
	tok, err := c.Tokens.Mint("a1", "s1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	c.CloseSession("s1", "user")

	if _, err := c.Tokens.Verify(tok); err == nil {
		t.Error("session token still valid after close")
	}
}

func TestCloseUnknownSessionConvergesLease(t *testing.T) {
	c := newTestCore(t)
	if err := database.CreateLease(&database.SessionLease{
		SessionID: "s1", AccountID: "a1", ConnectionID: 1,
		Status: database.LeaseActive,
	}); err != nil {
		t.Fatalf("create lease: %v", err)
	}

	// No in-memory session, only the lease.
	if c.CloseSession("s1", "orphaned") {
		t.Fatal("close of unknown session claimed teardown")
	}
	lease, err := database.GetLease("s1")
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if lease.Status != database.LeaseClosed || lease.CloseReason != "orphaned" {
		t.Errorf("lease = %s/%s, want closed/orphaned", lease.Status, lease.CloseReason)
	}
}
