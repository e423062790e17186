package database

import "time"

// Account key lifecycle states. Transitions are monotonic:
// active → rotated → revoked, never backwards.
const (
	KeyStatusActive  = "active"
	KeyStatusRotated = "rotated"
	KeyStatusRevoked = "revoked"
)

// Session lease states. A lease never leaves a terminal state.
const (
	LeasePending = "pending"
	LeaseActive  = "active"
	LeaseClosed  = "closed"
	LeaseError   = "error"
)

type Account struct {
	ID           string `gorm:"primaryKey;size:64" json:"id"`
	ExternalRef  string `gorm:"index" json:"-"` // opaque id from the identity collaborator
	DisplayName  string `json:"display_name"`
	PasswordHash string `json:"-"`
	// CreditSeconds is prepaid session time. Mutated only through the
	// atomic add / debit-if-sufficient statements in the credits package.
	CreditSeconds int64     `gorm:"not null;default:0" json:"credit_seconds"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type AccountKey struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string `gorm:"not null;index" json:"account_id"`
	Name      string `gorm:"not null" json:"name"`
	// PublicKey is stored in the clear, authorized_keys format.
	PublicKey string `gorm:"not null" json:"public_key"`
	// PrivateKey is stored as "<nonce>:<ciphertext>:<tag>" under the
	// account-derived vault key. Never serialized.
	PrivateKey string    `gorm:"not null" json:"-"`
	Status     string    `gorm:"not null;default:active" json:"status"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Connection struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string `gorm:"not null;index" json:"account_id"`
	Name      string `gorm:"not null" json:"name"`
	Host      string `gorm:"not null" json:"host"`
	Port      int    `gorm:"not null;default:22" json:"port"`
	User      string `gorm:"not null" json:"user"`
	KeyID     uint   `gorm:"not null" json:"key_id"`
	// HostKeyFingerprint is the pinned SHA256 fingerprint, empty until the
	// first accepted test result is persisted (trust on first use).
	HostKeyFingerprint string     `json:"host_key_fingerprint,omitempty"`
	LastTestResult     string     `json:"last_test_result,omitempty"`
	LastTestedAt       *time.Time `json:"last_tested_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionLease is the durable billing/lifecycle record of a session, one row
// per start attempt. The live session itself exists only in memory.
type SessionLease struct {
	SessionID       string     `gorm:"primaryKey;size:64" json:"session_id"`
	AccountID       string     `gorm:"not null;index" json:"account_id"`
	ConnectionID    uint       `gorm:"not null" json:"connection_id"`
	Status          string     `gorm:"not null;default:pending;index" json:"status"`
	StartedAt       time.Time  `gorm:"autoCreateTime" json:"started_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	CloseReason     string     `json:"close_reason,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// CreditLedgerEntry is the append-only audit trail of every balance change.
type CreditLedgerEntry struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string `gorm:"not null;index" json:"account_id"`
	// DeltaSeconds is positive for purchases, negative for debits.
	DeltaSeconds int64  `gorm:"not null" json:"delta_seconds"`
	Reason       string `gorm:"not null" json:"reason"`
	// ReferenceID keys idempotency: a second entry with the same non-empty
	// reference is rejected by the unique index.
	ReferenceID string    `gorm:"uniqueIndex:idx_ledger_ref,where:reference_id != ''" json:"reference_id,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
