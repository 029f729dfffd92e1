package migrations

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/ledger"
)

type AdminSeed struct {
	TCNo     string
	Email    string
	Password string
}

// SeedAdmin creates a verified admin account when none exists
func SeedAdmin(db *gorm.DB, seed AdminSeed) error {
	var count int64
	if err := db.Model(&ledger.Account{}).Where("role = ?", auth.RoleAdmin).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}

	admin := &ledger.Account{
		AccountID:    uuid.New().String(),
		TCNo:         seed.TCNo,
		FirstName:    "Root",
		LastName:     "Admin",
		Email:        seed.Email,
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
		Verified:     true,
		Balance:      decimal.Zero,
	}
	if err := db.Create(admin).Error; err != nil {
		return err
	}

	log.Info().Str("account_id", admin.AccountID).Str("email", admin.Email).Msg("seeded default admin")
	return nil
}
