package credits

import (
	"errors"
	"sync"
	"testing"

	"github.com/moorgate-dev/moorgate/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	old := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = old })
}

func createAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	if err := database.DB.Create(&database.Account{ID: id, CreditSeconds: balance}).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
}

func TestAddAndDebit(t *testing.T) {
	setupTestDB(t)
	createAccount(t, "a1", 0)

	if err := AddCredits("a1", 100, "purchase", "evt-1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := Debit("a1", 40, "session_time", ""); err != nil {
		t.Fatalf("debit: %v", err)
	}

	balance, err := Balance("a1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 60 {
		t.Errorf("balance = %d, want 60", balance)
	}

	entries, err := Ledger("a1", 10)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ledger entries = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].DeltaSeconds != -40 || entries[1].DeltaSeconds != 100 {
		t.Errorf("ledger deltas = %d, %d", entries[0].DeltaSeconds, entries[1].DeltaSeconds)
	}
}

func TestDebitRefusesOverdraw(t *testing.T) {
	setupTestDB(t)
	createAccount(t, "a1", 10)

	err := Debit("a1", 30, "session_time", "")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}

	// Balance untouched, and no partial ledger entry.
	balance, _ := Balance("a1")
	if balance != 10 {
		t.Errorf("balance = %d, want 10", balance)
	}
	entries, _ := Ledger("a1", 10)
	if len(entries) != 0 {
		t.Errorf("failed debit left ledger entries: %v", entries)
	}
}

func TestAddCreditsIdempotentByReference(t *testing.T) {
	setupTestDB(t)
	createAccount(t, "a1", 0)

	for i := 0; i < 3; i++ {
		if err := AddCredits("a1", 500, "purchase", "payment-evt-42"); err != nil {
			t.Fatalf("add attempt %d: %v", i, err)
		}
	}

	balance, _ := Balance("a1")
	if balance != 500 {
		t.Errorf("balance = %d, want 500 (replays must be no-ops)", balance)
	}
	entries, _ := Ledger("a1", 10)
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d, want 1", len(entries))
	}
}

func TestAddCreditsUnknownAccount(t *testing.T) {
	setupTestDB(t)
	if err := AddCredits("ghost", 10, "purchase", "r1"); err == nil {
		t.Error("expected error for unknown account")
	}
}

func TestRejectNonPositiveAmounts(t *testing.T) {
	setupTestDB(t)
	createAccount(t, "a1", 100)

	if err := AddCredits("a1", 0, "purchase", "r"); err == nil {
		t.Error("zero add accepted")
	}
	if err := AddCredits("a1", -5, "purchase", "r"); err == nil {
		t.Error("negative add accepted")
	}
	if err := Debit("a1", 0, "x", ""); err == nil {
		t.Error("zero debit accepted")
	}
	if err := Debit("a1", -5, "x", ""); err == nil {
		t.Error("negative debit accepted")
	}
}

// TestConcurrentDebitsNeverGoNegative drives many concurrent debits and
// credits at one account and asserts the core billing property: the settled
// balance is never negative, and equals credits minus the debits that
// actually succeeded.
func TestConcurrentDebitsNeverGoNegative(t *testing.T) {
	setupTestDB(t)
	createAccount(t, "a1", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := Debit("a1", 30, "session_time", ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	balance, err := Balance("a1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance < 0 {
		t.Fatalf("balance went negative: %d", balance)
	}
	if want := int64(100 - succeeded*30); balance != want {
		t.Errorf("balance = %d, want %d (%d debits succeeded)", balance, want, succeeded)
	}
	// 100 seconds can cover at most three 30-second debits.
	if succeeded > 3 {
		t.Errorf("%d debits of 30 succeeded against balance 100", succeeded)
	}
}
