package migrations

import (
	"gorm.io/gorm"
)

// AddLedgerIndexes creates the composite indexes used by the read paths
func AddLedgerIndexes(db *gorm.DB) error {
	indexes := []string{
		// Ledger history per account, newest first
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_created
		 ON ledger_entries(account_id, created_at)`,

		// Order history per account
		`CREATE INDEX IF NOT EXISTS idx_orders_account_created
		 ON orders(account_id, created_at)`,

		// Admin queues filter by status
		`CREATE INDEX IF NOT EXISTS idx_cash_requests_status
		 ON cash_requests(status)`,

		`CREATE INDEX IF NOT EXISTS idx_broker_orders_status
		 ON broker_orders(status)`,

		// Daily news lookup
		`CREATE INDEX IF NOT EXISTS idx_articles_published_at
		 ON articles(published_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
