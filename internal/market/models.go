package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Control is the admin switchboard for one bucket. PausedAt is stamped on
// every mutation, so it reads as "last control change".
type Control struct {
	ID            uint             `gorm:"primarykey" json:"-"`
	Bucket        string           `gorm:"uniqueIndex;not null" json:"bucket"`
	Active        bool             `gorm:"not null" json:"active"`
	PriceOverride *decimal.Decimal `gorm:"type:text" json:"price_override"`
	PausedAt      *time.Time       `json:"paused_at"`
	CreatedAt     time.Time        `json:"-"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Quote is one symbol in a snapshot: either Price or Error is set.
type Quote struct {
	Symbol string           `json:"symbol"`
	Price  *decimal.Decimal `json:"price,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Snapshot is a cached batch of quotes for a bucket
type Snapshot struct {
	Bucket string    `json:"bucket"`
	AsOf   time.Time `json:"as_of"`
	Quotes []Quote   `json:"quotes"`
}

type SetControlRequest struct {
	Bucket        string           `json:"bucket"`
	Active        *bool            `json:"active"`
	PriceOverride *decimal.Decimal `json:"price_override"`
}

type BucketInfo struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}
