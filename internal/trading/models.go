package trading

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order is an immediate fill at the caller-supplied price. Immutable.
type Order struct {
	gorm.Model `json:"-"`
	OrderID    string          `gorm:"uniqueIndex" json:"id"`
	AccountID  string          `gorm:"index;not null" json:"account_id"`
	Bucket     string          `gorm:"not null" json:"bucket"`
	Symbol     string          `gorm:"not null" json:"symbol"`
	Side       string          `gorm:"not null" json:"side"` // buy or sell
	Quantity   decimal.Decimal `gorm:"type:text;not null" json:"quantity"`
	Price      decimal.Decimal `gorm:"type:text;not null" json:"price"`
	EntryID    string          `gorm:"index" json:"entry_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string `gorm:"uniqueIndex" json:"idempotency_key"`
	AccountID      string `json:"account_id"`
	ResourceID     string `json:"resource_id"`
	ResourceType   string `json:"resource_type"`
	// Balance is the account balance right after the original order posted.
	Balance   decimal.Decimal `gorm:"type:text;not null" json:"balance"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type PlaceOrderRequest struct {
	AccountID string           `json:"-"`
	Bucket    string           `json:"bucket"`
	Symbol    string           `json:"symbol"`
	Side      string           `json:"side"`
	Quantity  *decimal.Decimal `json:"quantity"`
	Price     *decimal.Decimal `json:"price"`
}

type PlaceOrderResult struct {
	OrderID    string          `json:"id"`
	NewBalance decimal.Decimal `json:"balance"`
	Replayed   bool            `json:"replayed,omitempty"`
}
