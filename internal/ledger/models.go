package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Account is a platform user. Balance is a materialized cache of the sum of
// the account's ledger entries and only changes together with a new entry.
type Account struct {
	gorm.Model   `json:"-"`
	AccountID    string          `gorm:"uniqueIndex" json:"id"`
	TCNo         string          `gorm:"uniqueIndex;not null" json:"tc_no"`
	FirstName    string          `gorm:"not null" json:"first_name"`
	LastName     string          `gorm:"not null" json:"last_name"`
	Email        string          `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string          `gorm:"not null" json:"-"`
	Role         string          `gorm:"not null" json:"role"` // user, broker, admin
	Verified     bool            `json:"verified"`
	Balance      decimal.Decimal `gorm:"type:text;not null" json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// LedgerEntry is an immutable balance delta.
type LedgerEntry struct {
	gorm.Model `json:"-"`
	EntryID    string          `gorm:"uniqueIndex" json:"id"`
	AccountID  string          `gorm:"index;not null" json:"account_id"`
	Delta      decimal.Decimal `gorm:"type:text;not null" json:"delta"`
	Reason     string          `json:"reason"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Posting describes one balance mutation.
type Posting struct {
	AccountID string
	EntryID   string // optional; generated when empty
	Delta     decimal.Decimal
	Reason    string
	Kind      string // trade, cash, manual; metrics label only
}

// Result is the outcome of a committed posting.
type Result struct {
	Entry      *LedgerEntry    `json:"entry"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

type AdjustmentRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

type AdjustmentResponse struct {
	AccountID  string          `json:"userId"`
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"balance"`
}

type Reconciliation struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	EntrySum  decimal.Decimal `json:"entry_sum"`
	Entries   int             `json:"entries"`
}

// Balanced reports whether the cached balance equals the entry sum.
func (r Reconciliation) Balanced() bool {
	return r.Balance.Equal(r.EntrySum)
}
