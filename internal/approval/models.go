package approval

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"

	TypeDeposit    = "deposit"
	TypeWithdrawal = "withdrawal"
)

// CashRequest is a deposit or withdrawal awaiting an admin decision.
// Amount is the settled amount and may differ from RequestedAmount.
type CashRequest struct {
	gorm.Model      `json:"-"`
	RequestID       string          `gorm:"uniqueIndex" json:"id"`
	AccountID       string          `gorm:"index;not null" json:"account_id"`
	Type            string          `gorm:"not null" json:"type"` // deposit, withdrawal
	RequestedAmount decimal.Decimal `gorm:"type:text;not null" json:"requested_amount"`
	Amount          decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Status          string          `gorm:"not null" json:"status"` // pending, approved, rejected
	DecidedBy       string          `json:"decided_by,omitempty"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty"`
	EntryID         string          `json:"entry_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// BrokerOrder is a batch order awaiting admin approval. Approval is a gate
// only; it does not settle anything on the ledger.
type BrokerOrder struct {
	gorm.Model `json:"-"`
	OrderID    string          `gorm:"uniqueIndex" json:"id"`
	BrokerID   string          `gorm:"index;not null" json:"broker_id"`
	Symbol     string          `gorm:"not null" json:"symbol"`
	Side       string          `gorm:"not null" json:"side"`
	Quantity   decimal.Decimal `gorm:"type:text;not null" json:"quantity"`
	Status     string          `gorm:"not null" json:"status"` // pending, approved
	ApprovedBy string          `json:"approved_by,omitempty"`
	ApprovedAt *time.Time      `json:"approved_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type CashRequestBody struct {
	Amount *decimal.Decimal `json:"amount"`
}

type ApproveCashBody struct {
	Amount *decimal.Decimal `json:"amount"`
}

type CashRequestResponse struct {
	RequestID string `json:"id"`
	Status    string `json:"status"`
}

type CashApproval struct {
	RequestID   string          `json:"id"`
	FinalAmount decimal.Decimal `json:"final_amount"`
	NewBalance  decimal.Decimal `json:"balance"`
}

type BrokerOrderBody struct {
	Symbol   string           `json:"symbol"`
	Side     string           `json:"side"`
	Quantity *decimal.Decimal `json:"quantity"`
}

type BrokerOrderStatus struct {
	OrderID string `json:"id"`
	Status  string `json:"status"`
}
