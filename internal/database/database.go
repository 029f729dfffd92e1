package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-broker/internal/accounts"
	"github.com/ksred/klear-broker/internal/approval"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/database/migrations"
	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/internal/market"
	"github.com/ksred/klear-broker/internal/news"
	"github.com/ksred/klear-broker/internal/trading"
)

// Open connects to the configured database without migrating it
func Open(driver, dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}

	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows a single writer; one connection turns lock contention
		// into queueing instead of SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Migrate creates the schema and seeds the default admin
func Migrate(db *gorm.DB, cfg *config.Config) error {
	err := db.AutoMigrate(
		&ledger.Account{},
		&ledger.LedgerEntry{},
		&trading.Order{},
		&trading.IdempotencyRecord{},
		&approval.CashRequest{},
		&approval.BrokerOrder{},
		&market.Control{},
		&accounts.Document{},
		&news.Article{},
	)
	if err != nil {
		return err
	}

	if err := migrations.AddLedgerIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.SeedAdmin(db, migrations.AdminSeed{
		TCNo:     cfg.AdminTCNo,
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
	}); err != nil {
		return fmt.Errorf("failed to seed admin: %w", err)
	}

	return nil
}

// NewDatabase opens and migrates the configured database
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, cfg); err != nil {
		return nil, err
	}

	return db, nil
}
