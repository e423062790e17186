package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moorgate-dev/moorgate/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return err
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	return nil
}

// Migrate runs auto-migration for all models. Split out so tests can run it
// against an in-memory database.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Account{},
		&AccountKey{},
		&Connection{},
		&SessionLease{},
		&CreditLedgerEntry{},
		&Setting{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		"welcome_credit_seconds": "0",
		"ledger_retention_days":  "365",
	}

	for key, value := range defaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Account helpers

func GetAccount(id string) (*Account, error) {
	var a Account
	if err := DB.First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func GetAccountByExternalRef(ref string) (*Account, error) {
	var a Account
	if err := DB.Where("external_ref = ?", ref).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func CreateAccount(a *Account) error {
	return DB.Create(a).Error
}

// Key helpers

func GetAccountKey(id uint, accountID string) (*AccountKey, error) {
	var k AccountKey
	if err := DB.Where("id = ? AND account_id = ?", id, accountID).First(&k).Error; err != nil {
		return nil, err
	}
	return &k, nil
}

// AdvanceKeyStatus moves a key forward in its lifecycle. Backward moves are
// refused: a revoked key stays revoked, a rotated key can only be revoked.
func AdvanceKeyStatus(id uint, to string) error {
	rank := map[string]int{KeyStatusActive: 0, KeyStatusRotated: 1, KeyStatusRevoked: 2}
	toRank, ok := rank[to]
	if !ok {
		return fmt.Errorf("unknown key status %q", to)
	}

	var k AccountKey
	if err := DB.First(&k, id).Error; err != nil {
		return err
	}
	if rank[k.Status] >= toRank {
		return fmt.Errorf("key %d: cannot move status %s -> %s", id, k.Status, to)
	}
	return DB.Model(&AccountKey{}).Where("id = ?", id).Update("status", to).Error
}

// Connection helpers

func GetConnection(id uint, accountID string) (*Connection, error) {
	var c Connection
	if err := DB.Where("id = ? AND account_id = ?", id, accountID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func RecordTestResult(id uint, result string) error {
	now := time.Now()
	return DB.Model(&Connection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_test_result": result,
		"last_tested_at":   now,
	}).Error
}

func PinHostKey(id uint, fingerprint string) error {
	return DB.Model(&Connection{}).Where("id = ?", id).Update("host_key_fingerprint", fingerprint).Error
}

// Lease helpers

func CreateLease(l *SessionLease) error {
	return DB.Create(l).Error
}

func ActivateLease(sessionID string) error {
	now := time.Now()
	return DB.Model(&SessionLease{}).
		Where("session_id = ? AND status = ?", sessionID, LeasePending).
		Updates(map[string]interface{}{"status": LeaseActive, "last_heartbeat_at": now}).Error
}

// CloseLease moves a lease to a terminal state. Leases already terminal are
// left untouched, which is what makes every teardown path idempotent at the
// persistence layer.
func CloseLease(sessionID, status, reason string) error {
	if status != LeaseClosed && status != LeaseError {
		return fmt.Errorf("close lease %s: %q is not a terminal status", sessionID, status)
	}
	now := time.Now()
	return DB.Model(&SessionLease{}).
		Where("session_id = ? AND status IN ?", sessionID, []string{LeasePending, LeaseActive}).
		Updates(map[string]interface{}{
			"status":       status,
			"closed_at":    now,
			"close_reason": reason,
		}).Error
}

func HeartbeatLease(sessionID string) error {
	now := time.Now()
	return DB.Model(&SessionLease{}).
		Where("session_id = ? AND status = ?", sessionID, LeaseActive).
		Update("last_heartbeat_at", now).Error
}

func GetLease(sessionID string) (*SessionLease, error) {
	var l SessionLease
	if err := DB.First(&l, "session_id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

func ActiveLeases() ([]SessionLease, error) {
	var leases []SessionLease
	if err := DB.Where("status = ?", LeaseActive).Find(&leases).Error; err != nil {
		return nil, err
	}
	return leases, nil
}

// StalePendingLeases returns pending leases whose start began before the
// cutoff. A pending lease that old belongs to a start attempt that crashed
// mid-flight and will never activate.
func StalePendingLeases(cutoff time.Time) ([]SessionLease, error) {
	var leases []SessionLease
	if err := DB.Where("status = ? AND started_at < ?", LeasePending, cutoff).
		Find(&leases).Error; err != nil {
		return nil, err
	}
	return leases, nil
}

func CountActiveLeases(accountID string) (int64, error) {
	var count int64
	err := DB.Model(&SessionLease{}).
		Where("account_id = ? AND status IN ?", accountID, []string{LeasePending, LeaseActive}).
		Count(&count).Error
	return count, err
}
