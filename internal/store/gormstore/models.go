package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account mirrors the credit_accounts table. Balance is the authoritative
// committed balance; the check constraint is the storage-level backstop for
// the non-negative invariant.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0;check:chk_accounts_balance,balance >= 0"`
	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the append-only credit_transactions table. The
// unique (account_id, idempotency_key) index makes double-append impossible
// under concurrent retries.
type CreditTransaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"not null;index:idx_tx_account_created,priority:1;index:uniq_tx_account_key,unique,priority:1"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	HoldID         *string        `gorm:"index:idx_tx_hold"`
	IdempotencyKey string         `gorm:"not null;index:uniq_tx_account_key,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_tx_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// CreditHold mirrors the credit_holds table.
type CreditHold struct {
	HoldID    string         `gorm:"type:uuid;primaryKey"`
	AccountID string         `gorm:"not null;index:idx_holds_account"`
	Amount    int64          `gorm:"not null"`
	Status    string         `gorm:"not null;index:idx_holds_status_expiry,priority:1"`
	Metadata  datatypes.JSON `gorm:"not null"`
	ExpiresAt time.Time      `gorm:"not null;index:idx_holds_status_expiry,priority:2"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (CreditHold) TableName() string { return "credit_holds" }

func (hold *CreditHold) BeforeCreate(tx *gorm.DB) error {
	if hold.HoldID == "" {
		hold.HoldID = uuid.NewString()
	}
	return nil
}

// CreditRate mirrors the credit_rates table (one row per endpoint).
type CreditRate struct {
	Endpoint      string         `gorm:"primaryKey"`
	Cost          int64          `gorm:"not null"`
	Active        bool           `gorm:"not null;default:true"`
	TierDiscounts datatypes.JSON `gorm:"not null"`
	Version       int64          `gorm:"not null"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

func (CreditRate) TableName() string { return "credit_rates" }

// RateConfigRow is the single-row header for the persisted rate configuration
// (snapshot version, default cost, administrative override flag).
type RateConfigRow struct {
	ID          uint      `gorm:"primaryKey"`
	Version     int64     `gorm:"not null"`
	DefaultCost int64     `gorm:"not null"`
	Override    bool      `gorm:"not null;default:false"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (RateConfigRow) TableName() string { return "credit_rate_config" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Account{}, &CreditTransaction{}, &CreditHold{}, &CreditRate{}, &RateConfigRow{}}
}
