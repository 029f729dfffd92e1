package market

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetControl returns nil, nil when the bucket has never been controlled.
func (d *Database) GetControl(ctx context.Context, bucket string) (*Control, error) {
	var control Control
	if err := d.db.WithContext(ctx).Where("bucket = ?", bucket).First(&control).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &control, nil
}

func (d *Database) ListControls(ctx context.Context) ([]Control, error) {
	var controls []Control
	if err := d.db.WithContext(ctx).Order("bucket ASC").Find(&controls).Error; err != nil {
		return nil, err
	}
	return controls, nil
}

// upsertControl inserts or replaces the bucket's control row and returns the
// stored state.
func (d *Database) upsertControl(ctx context.Context, bucket string, active bool, override interface{}, now time.Time) (*Control, error) {
	tx := d.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	row := map[string]interface{}{
		"bucket":         bucket,
		"active":         active,
		"price_override": override,
		"paused_at":      now,
		"created_at":     now,
		"updated_at":     now,
	}
	err := tx.Model(&Control{}).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bucket"}},
		DoUpdates: clause.AssignmentColumns([]string{"active", "price_override", "paused_at", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	var control Control
	if err := tx.Where("bucket = ?", bucket).First(&control).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &control, nil
}
