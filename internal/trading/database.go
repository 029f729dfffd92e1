package trading

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetOrder returns nil, nil when the order does not exist
func (d *Database) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndAccountID(ctx context.Context, orderID, accountID string) (*Order, error) {
	var order Order
	if err := d.db.WithContext(ctx).Where("order_id = ? AND account_id = ?", orderID, accountID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListOrders(ctx context.Context, accountID string) ([]Order, error) {
	var orders []Order
	if err := d.db.WithContext(ctx).Where("account_id = ?", accountID).Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) CountOrders(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&Order{}).Where("account_id = ?", accountID).Count(&n).Error
	return n, err
}

// createOrderWithIdempotency writes the order, and the idempotency record when
// a key is given, on the caller's transaction
func createOrderWithIdempotency(tx *gorm.DB, order *Order, idempotencyKey string, balance decimal.Decimal, now time.Time) error {
	if err := tx.Create(order).Error; err != nil {
		return err
	}
	if idempotencyKey == "" {
		return nil
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		AccountID:      order.AccountID,
		ResourceID:     order.OrderID,
		ResourceType:   "order",
		Balance:        balance,
		ExpiresAt:      now.Add(24 * time.Hour),
	}
	return tx.Create(&record).Error
}

// GetIdempotencyRecord returns nil, nil when the key is unknown
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
