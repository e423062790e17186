// Package credits implements the prepaid-time billing model: an integer
// balance of seconds per account, an append-only ledger auditing every
// change, and the enforcement loop that debits live sessions and force-ends
// them at exhaustion.
//
// The balance is mutated only through the atomic statements in this file.
// Debit is a single conditional UPDATE — check and subtract in one statement
// — so concurrent debits and purchases can never drive the balance negative.
package credits

import (
	"errors"
	"fmt"

	"github.com/moorgate-dev/moorgate/internal/database"
	"gorm.io/gorm"
)

// ErrInsufficientCredits is returned when a debit would reduce the balance
// below zero. The balance is left untouched.
var ErrInsufficientCredits = errors.New("credits: insufficient balance")

// AddCredits credits an account, recording a ledger entry. Calls are
// idempotent by referenceID: a replayed payment event with the same
// reference is a no-op. referenceID must be non-empty for purchases so
// payment-provider replays cannot double-credit.
func AddCredits(accountID string, seconds int64, reason, referenceID string) error {
	if seconds <= 0 {
		return fmt.Errorf("credits: add of %d seconds refused", seconds)
	}

	return database.DB.Transaction(func(tx *gorm.DB) error {
		if referenceID != "" {
			var count int64
			if err := tx.Model(&database.CreditLedgerEntry{}).
				Where("reference_id = ?", referenceID).
				Count(&count).Error; err != nil {
				return fmt.Errorf("check reference: %w", err)
			}
			if count > 0 {
				return nil // replay, already applied
			}
		}

		res := tx.Model(&database.Account{}).
			Where("id = ?", accountID).
			Update("credit_seconds", gorm.Expr("credit_seconds + ?", seconds))
		if res.Error != nil {
			return fmt.Errorf("credit account: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("credit account: account %s not found", accountID)
		}

		return tx.Create(&database.CreditLedgerEntry{
			AccountID:    accountID,
			DeltaSeconds: seconds,
			Reason:       reason,
			ReferenceID:  referenceID,
		}).Error
	})
}

// Debit atomically subtracts seconds from an account's balance, refusing to
// go below zero. The check and the subtraction are one conditional UPDATE:
// there is no read-then-write window for concurrent debits to race through.
func Debit(accountID string, seconds int64, reason, referenceID string) error {
	if seconds <= 0 {
		return fmt.Errorf("credits: debit of %d seconds refused", seconds)
	}

	return database.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&database.Account{}).
			Where("id = ? AND credit_seconds >= ?", accountID, seconds).
			Update("credit_seconds", gorm.Expr("credit_seconds - ?", seconds))
		if res.Error != nil {
			return fmt.Errorf("debit account: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientCredits
		}

		return tx.Create(&database.CreditLedgerEntry{
			AccountID:    accountID,
			DeltaSeconds: -seconds,
			Reason:       reason,
			ReferenceID:  referenceID,
		}).Error
	})
}

// Balance returns the account's current prepaid seconds.
func Balance(accountID string) (int64, error) {
	var a database.Account
	if err := database.DB.Select("credit_seconds").First(&a, "id = ?", accountID).Error; err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	return a.CreditSeconds, nil
}

// Ledger returns the most recent ledger entries for an account, newest
// first, up to limit.
func Ledger(accountID string, limit int) ([]database.CreditLedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []database.CreditLedgerEntry
	if err := database.DB.
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return entries, nil
}
