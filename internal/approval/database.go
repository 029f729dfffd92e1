package approval

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateCashRequest(ctx context.Context, req *CashRequest) error {
	return d.db.WithContext(ctx).Create(req).Error
}

// GetCashRequest returns nil, nil when the request does not exist
func (d *Database) GetCashRequest(ctx context.Context, requestID string) (*CashRequest, error) {
	var req CashRequest
	if err := d.db.WithContext(ctx).Where("request_id = ?", requestID).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// ListCashRequests filters by status when one is given
func (d *Database) ListCashRequests(ctx context.Context, status string) ([]CashRequest, error) {
	var reqs []CashRequest
	q := d.db.WithContext(ctx).Order("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}

// decidePending moves a pending request to its final state. It reports false
// when the request was not pending.
func decidePending(tx *gorm.DB, model interface{}, idColumn, id string, updates map[string]interface{}) (bool, error) {
	result := tx.Model(model).
		Where(idColumn+" = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) CreateBrokerOrder(ctx context.Context, order *BrokerOrder) error {
	return d.db.WithContext(ctx).Create(order).Error
}

// GetBrokerOrder returns nil, nil when the order does not exist
func (d *Database) GetBrokerOrder(ctx context.Context, orderID string) (*BrokerOrder, error) {
	var order BrokerOrder
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListBrokerOrders(ctx context.Context, status string) ([]BrokerOrder, error) {
	var orders []BrokerOrder
	q := d.db.WithContext(ctx).Order("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}
