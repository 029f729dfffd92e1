package ledger

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying handle for services that share the ledger's
// transactions.
func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) CreateAccount(ctx context.Context, account *Account) error {
	return d.db.WithContext(ctx).Create(account).Error
}

// GetAccount returns nil, nil when the account does not exist.
func (d *Database) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := d.db.WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// lockAccount reads the account row for update within tx. Dialects without
// row locks drop the clause; callers also hold the per-account mutex.
func lockAccount(tx *gorm.DB, accountID string) (*Account, error) {
	var account Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *Database) ListEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	q := d.db.WithContext(ctx).Where("account_id = ?", accountID).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (d *Database) CountEntries(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&LedgerEntry{}).Where("account_id = ?", accountID).Count(&n).Error
	return n, err
}
