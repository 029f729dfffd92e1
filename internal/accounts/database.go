package accounts

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/ledger"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetAccountByTCNo returns nil, nil when no account has the number.
func (d *Database) GetAccountByTCNo(ctx context.Context, tcNo string) (*ledger.Account, error) {
	var account ledger.Account
	if err := d.db.WithContext(ctx).Where("tc_no = ?", tcNo).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *Database) Exists(ctx context.Context, tcNo, email string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&ledger.Account{}).
		Where("tc_no = ? OR email = ?", tcNo, email).
		Count(&count).Error
	return count > 0, err
}

func (d *Database) CreateDocument(ctx context.Context, doc *Document) error {
	return d.db.WithContext(ctx).Create(doc).Error
}

func (d *Database) ListDocuments(ctx context.Context, accountID string) ([]Document, error) {
	var docs []Document
	if err := d.db.WithContext(ctx).Where("account_id = ?", accountID).Order("created_at ASC").Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// setVerification applies a review outcome to every document of the account
// and to the account's verified flag in one transaction.
func (d *Database) setVerification(ctx context.Context, accountID, status string) (int64, error) {
	tx := d.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	docs := tx.Model(&Document{}).Where("account_id = ?", accountID).Update("status", status)
	if docs.Error != nil {
		tx.Rollback()
		return 0, docs.Error
	}

	acct := tx.Model(&ledger.Account{}).Where("account_id = ?", accountID).Update("verified", status == DocumentApproved)
	if acct.Error != nil {
		tx.Rollback()
		return 0, acct.Error
	}
	if acct.RowsAffected == 0 {
		tx.Rollback()
		return 0, gorm.ErrRecordNotFound
	}

	if err := tx.Commit().Error; err != nil {
		return 0, err
	}
	return docs.RowsAffected, nil
}
